package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSolverSubmitsAndPolls(t *testing.T) {
	var polls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			assert.Equal(t, "userrecaptcha", r.URL.Query().Get("method"))
			assert.Equal(t, "test-site-key-123", r.URL.Query().Get("googlekey"))
			assert.Equal(t, "https://mls.example.com/listing/42", r.URL.Query().Get("pageurl"))
			fmt.Fprint(w, `{"status":1,"request":"task-77"}`)
		case "/res.php":
			assert.Equal(t, "task-77", r.URL.Query().Get("id"))
			if atomic.AddInt64(&polls, 1) < 3 {
				fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
				return
			}
			fmt.Fprint(w, `{"status":1,"request":"captcha-solution-token-456"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	solver := NewHTTPSolver(SolverConfig{Endpoint: server.URL, APIKey: "solver-key"}).
		WithSleep(func(context.Context, time.Duration) error { return nil })

	token, err := solver.Solve(context.Background(), Challenge{
		Type:    ChallengeRecaptchaV2,
		SiteKey: "test-site-key-123",
		PageURL: "https://mls.example.com/listing/42",
	})
	require.NoError(t, err)
	assert.Equal(t, "captcha-solution-token-456", token)
	assert.Equal(t, int64(3), atomic.LoadInt64(&polls))
}

func TestHTTPSolverRejectedSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":0,"request":"ERROR_WRONG_USER_KEY"}`)
	}))
	defer server.Close()

	solver := NewHTTPSolver(SolverConfig{Endpoint: server.URL, APIKey: "bad"}).
		WithSleep(func(context.Context, time.Duration) error { return nil })

	_, err := solver.Solve(context.Background(), Challenge{Type: ChallengeRecaptchaV2, SiteKey: "k", PageURL: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit rejected")
}

func TestHTTPSolverTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			fmt.Fprint(w, `{"status":1,"request":"task-1"}`)
			return
		}
		fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
	}))
	defer server.Close()

	solver := NewHTTPSolver(SolverConfig{
		Endpoint:     server.URL,
		APIKey:       "k",
		PollInterval: time.Millisecond,
		Timeout:      20 * time.Millisecond,
	})

	_, err := solver.Solve(context.Background(), Challenge{Type: ChallengeRecaptchaV2, SiteKey: "k", PageURL: "u"})
	require.Error(t, err)
}
