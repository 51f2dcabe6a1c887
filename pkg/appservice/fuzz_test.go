// Copyright 2025-2026 Aiku AI

package appservice

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// FuzzPutTransaction throws arbitrary bodies at the transaction endpoint.
// Whatever the homeserver sends, the receiver must answer with a JSON
// status and never panic.
func FuzzPutTransaction(f *testing.F) {
	f.Add([]byte(`{"events":[]}`))
	f.Add([]byte(`{"events":[{"type":"m.room.message","content":{"msgtype":"m.text","body":"hi"}}]}`))
	f.Add([]byte(`{"events":[{"type":"m.room.member","state_key":"","content":{"membership":"join"}}]}`))
	f.Add([]byte(`{"ephemeral":[{"type":"m.typing","content":{"user_ids":null}}]}`))
	f.Add([]byte(`{"events":5}`))
	f.Add([]byte(`{`))
	f.Add([]byte(`null`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, body []byte) {
		as := newTestAppService(t, "")
		go func() {
			for range as.Events {
			}
		}()
		req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/fuzz", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testServerToken)
		w := httptest.NewRecorder()
		as.Router.ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		default:
			t.Errorf("unexpected status %d for body %q", w.Code, body)
		}
		as.Stop()
	})
}

// FuzzIDCache drives the dedup cache with arbitrary operations and checks
// its structural invariants.
func FuzzIDCache(f *testing.F) {
	f.Add(3, []byte("abcabcd"))
	f.Add(1, []byte("xyz"))
	f.Add(0, []byte("aa"))

	f.Fuzz(func(t *testing.T, size int, ops []byte) {
		if size > 4096 {
			t.Skip("avoid huge allocations")
		}
		c := NewIDCache(size)
		for i, op := range ops {
			id := fmt.Sprintf("id-%d", op)
			c.Put(id)
			if !c.Has(id) {
				t.Fatalf("op %d: %s missing immediately after Put", i, id)
			}
			if len(c.index) > len(c.ring) {
				t.Fatalf("op %d: index size %d exceeds ring size %d", i, len(c.index), len(c.ring))
			}
		}
	})
}
