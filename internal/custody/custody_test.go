package custody

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/satbid/auctionhouse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWebhook(t *testing.T) {
	tests := []struct {
		name    string
		webhook models.Webhook
		wantErr bool
	}{
		{
			name:    "EmptyURLIsUnconfigured",
			webhook: models.Webhook{},
			wantErr: false,
		},
		{
			name: "ValidPost",
			webhook: models.Webhook{
				Method: "POST",
				URL:    "https://custody.example.com/lock",
				Body:   map[string]string{"code": "{transfer_code}"},
			},
			wantErr: false,
		},
		{
			name: "AllKnownPlaceholders",
			webhook: models.Webhook{
				Method: "PUT",
				URL:    "https://custody.example.com/transfer",
				Body: map[string]string{
					"lock":  "{lock_code}",
					"owner": "{new_owner_id}",
				},
			},
			wantErr: false,
		},
		{
			name: "UnknownPlaceholder",
			webhook: models.Webhook{
				Method: "POST",
				URL:    "https://custody.example.com/lock",
				Body:   map[string]string{"code": "{password}"},
			},
			wantErr: true,
		},
		{
			name: "BadScheme",
			webhook: models.Webhook{
				Method: "POST",
				URL:    "ftp://custody.example.com/lock",
			},
			wantErr: true,
		},
		{
			name: "MissingHost",
			webhook: models.Webhook{
				Method: "POST",
				URL:    "https:///lock",
			},
			wantErr: true,
		},
		{
			name: "UnsupportedMethod",
			webhook: models.Webhook{
				Method: "DELETE",
				URL:    "https://custody.example.com/lock",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhook(tt.webhook)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_Lock(t *testing.T) {
	var gotBody map[string]string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"lock_code": "lock-abc"})
	}))
	defer server.Close()

	client := NewClient(time.Second)
	webhook := models.Webhook{
		Method:  "POST",
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token123"},
		Body:    map[string]string{"code": "{transfer_code}", "action": "lock"},
	}

	lockCode, err := client.Lock(context.Background(), webhook, "secret-transfer")
	require.NoError(t, err)
	assert.Equal(t, "lock-abc", lockCode)
	assert.Equal(t, "Bearer token123", gotAuth)
	assert.Equal(t, map[string]string{"code": "secret-transfer", "action": "lock"}, gotBody)
}

func TestClient_LockMissingCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	client := NewClient(time.Second)
	webhook := models.Webhook{Method: "POST", URL: server.URL}

	_, err := client.Lock(context.Background(), webhook, "secret")
	assert.ErrorContains(t, err, "lock code")
}

func TestClient_UnlockAndTransfer(t *testing.T) {
	var gotBody map[string]string
	success := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"success": success})
	}))
	defer server.Close()

	client := NewClient(time.Second)

	t.Run("Unlock", func(t *testing.T) {
		webhook := models.Webhook{
			Method: "POST",
			URL:    server.URL,
			Body:   map[string]string{"lock": "{lock_code}"},
		}
		require.NoError(t, client.Unlock(context.Background(), webhook, "lock-abc"))
		assert.Equal(t, "lock-abc", gotBody["lock"])
	})

	t.Run("Transfer", func(t *testing.T) {
		webhook := models.Webhook{
			Method: "POST",
			URL:    server.URL,
			Body: map[string]string{
				"lock":  "{lock_code}",
				"owner": "{new_owner_id}",
			},
		}
		require.NoError(t, client.Transfer(context.Background(), webhook, "lock-abc", "42"))
		assert.Equal(t, "lock-abc", gotBody["lock"])
		assert.Equal(t, "42", gotBody["owner"])
	})

	t.Run("NotSuccessful", func(t *testing.T) {
		success = false
		webhook := models.Webhook{Method: "POST", URL: server.URL}
		assert.Error(t, client.Unlock(context.Background(), webhook, "lock-abc"))
		assert.Error(t, client.Transfer(context.Background(), webhook, "lock-abc", "42"))
	})
}

func TestClient_Non200IsHardFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(time.Second)
	webhook := models.Webhook{Method: "POST", URL: server.URL}

	err := client.Unlock(context.Background(), webhook, "lock-abc")
	assert.ErrorContains(t, err, "502")
}
