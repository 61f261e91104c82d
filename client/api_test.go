package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestParseSessionToken(t *testing.T) {
	accessToken := testAccessToken(t, "staff-1", "head")

	identity, err := ParseSessionToken(accessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.Id, EntityId("staff-1"))
	assert.Equal(t, identity.Role, "head")

	_, err = ParseSessionToken("not-a-token")
	assert.NotEqual(t, err, nil)
}

func TestAuthTransportBearerInjection(t *testing.T) {
	var authHeader atomic.Value
	var viewHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		viewHeader.Store(r.Header.Get("X-Console-View"))
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	session := NewSession()
	transport := NewAuthTransport(session)

	// anonymous request carries no credential
	req, _ := http.NewRequest("GET", server.URL, nil)
	r, err := transport.Do(req)
	assert.Equal(t, err, nil)
	r.Body.Close()
	assert.Equal(t, authHeader.Load(), "")

	// a session adds the bearer header, merging with caller headers
	accessToken := testAccessToken(t, "staff-1", "head")
	_, err = session.SetAccessToken(accessToken)
	assert.Equal(t, err, nil)

	req, _ = http.NewRequest("GET", server.URL, nil)
	req.Header.Set("X-Console-View", "records")
	r, err = transport.Do(req)
	assert.Equal(t, err, nil)
	r.Body.Close()
	assert.Equal(t, authHeader.Load(), "Bearer "+accessToken)
	assert.Equal(t, viewHeader.Load(), "records")
}

func TestAuthTransportAnonymousUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	session := NewSession()
	transport := NewAuthTransport(session)

	signOutCount := 0
	transport.AddSignOutCallback(func(err error) {
		signOutCount += 1
	})

	// without a credential the 401 is returned untouched
	req, _ := http.NewRequest("GET", server.URL, nil)
	r, err := transport.Do(req)
	assert.Equal(t, err, nil)
	assert.Equal(t, r.StatusCode, http.StatusUnauthorized)
	r.Body.Close()
	assert.Equal(t, signOutCount, 0)
}

func TestAuthTransportTerminatesSessionOnce(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		<-release
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	session := NewSession()
	transport := NewAuthTransport(session)
	session.SetAccessToken(testAccessToken(t, "staff-1", "head"))

	var signOutCount atomic.Int32
	transport.AddSignOutCallback(func(err error) {
		signOutCount.Add(1)
		assert.Equal(t, err, ErrSessionTerminated)
	})

	// two racing requests under the same credential are both rejected,
	// but the session terminates exactly once
	var done sync.WaitGroup
	for i := 0; i < 2; i += 1 {
		done.Add(1)
		go func() {
			defer done.Done()
			req, _ := http.NewRequest("GET", server.URL, nil)
			r, err := transport.Do(req)
			assert.Equal(t, err, nil)
			assert.Equal(t, r.StatusCode, http.StatusForbidden)
			r.Body.Close()
		}()
	}
	arrived.Wait()
	close(release)
	done.Wait()

	assert.Equal(t, signOutCount.Load(), int32(1))
	assert.Equal(t, session.AccessToken(), "")
}

func TestAuthTransportSwallowsAbort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	session := NewSession()
	transport := NewAuthTransport(session)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r, err := transport.Do(req)
	assert.Equal(t, err, nil)
	assert.Equal(t, r, nil)
}

func TestSignInWithPassword(t *testing.T) {
	accessToken := testAccessToken(t, "staff-1", "head")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/sign-in":
			w.Write([]byte(`{"access_token":"` + accessToken + `"}`))
		case "/users/me":
			w.Write([]byte(`{"id":"staff-1","name":"Test Staff","role":"head"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewApi(server.URL)
	defer api.Close()

	result, err := api.SignInWithPasswordSync(&SignInWithPasswordArgs{
		Email:    "staff@example.edu",
		Password: "hunter2",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.AccessToken, accessToken)

	identity, err := api.SetAccessToken(result.AccessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.Id, EntityId("staff-1"))

	staff, err := api.GetProfileSync()
	assert.Equal(t, err, nil)
	assert.Equal(t, staff.Id, EntityId("staff-1"))
	assert.Equal(t, staff.Role, "head")
}
