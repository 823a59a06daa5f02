package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Strict origin matching: exact scheme and host only.
func TestValidateOrigin_Strict(t *testing.T) {
	hub := newOriginHub(false, "https://trusted.com", "http://localhost:3000")

	tests := []struct {
		name        string
		origin      string
		expectError bool
	}{
		{
			name:        "Allowed Origin",
			origin:      "https://trusted.com",
			expectError: false,
		},
		{
			name:        "Allowed Localhost",
			origin:      "http://localhost:3000",
			expectError: false,
		},
		{
			name:        "Subdomain (Should Fail Strict Match)",
			origin:      "https://evil.trusted.com",
			expectError: true,
		},
		{
			name:        "Prefix Match (Should Fail)",
			origin:      "https://trusted.com.evil.com",
			expectError: true,
		},
		{
			name:        "Null Origin (Should Fail)",
			origin:      "null",
			expectError: true,
		},
		{
			name:        "Empty Origin (Allowed - Non-Browser Client)",
			origin:      "",
			expectError: false,
		},
		{
			name:        "Evil Origin",
			origin:      "http://evil.com",
			expectError: true,
		},
		{
			name:        "Different Port (Should Fail)",
			origin:      "http://localhost:9999",
			expectError: true,
		},
		{
			name:        "Scheme Downgrade (Should Fail)",
			origin:      "http://trusted.com",
			expectError: true,
		},
		{
			name:        "Mixed Case (Allowed After Normalization)",
			origin:      "HTTPS://Trusted.COM",
			expectError: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}

			err := hub.validateOrigin(req)

			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
