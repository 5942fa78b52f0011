// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"external_item_id":"1"}`)
	req := httptest.NewRequest("POST", "/webhook/github", nil)
	req.Header.Set("X-Signature", "sha256="+sign(body, "s3cr3t"))

	require.NoError(t, VerifySignature(req, body, "s3cr3t"))
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte(`{"external_item_id":"1"}`)
	req := httptest.NewRequest("POST", "/webhook/github", nil)
	req.Header.Set("X-Signature", "sha256="+sign(body, "s3cr3t"))

	require.Error(t, VerifySignature(req, body, "wrong"))
}

func TestVerifySignature_Missing(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhook/github", nil)
	require.Error(t, VerifySignature(req, []byte("x"), "s3cr3t"))
}

func TestVerifyAdminBearer(t *testing.T) {
	secret := "admin-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/workflow/run", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	require.NoError(t, VerifyAdminBearer(req, secret))

	req2 := httptest.NewRequest("POST", "/workflow/run", nil)
	require.Error(t, VerifyAdminBearer(req2, secret))

	req3 := httptest.NewRequest("POST", "/workflow/run", nil)
	req3.Header.Set("Authorization", "Bearer garbage")
	require.Error(t, VerifyAdminBearer(req3, secret))
}
