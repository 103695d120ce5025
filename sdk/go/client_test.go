package tenderlinesdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"tenderline/internal/config"
	"tenderline/internal/db"
	"tenderline/internal/engine"
	"tenderline/internal/migrate"
	"tenderline/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) (*httptest.Server, *atomic.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	now := atomic.NewTime(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	e := engine.New(conn, config.Default("city-hall"))
	e.Now = now.Load
	e.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}, Logger: e.Log})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, now
}

func clientFor(t *testing.T, baseURL, actor string) *Client {
	t.Helper()
	token, err := server.SignToken(secret, actor, time.Hour)
	require.NoError(t, err)
	c := New(baseURL)
	c.BearerToken = token
	return c
}

func TestSealAndRevealThroughClient(t *testing.T) {
	srv, now := newServer(t)
	ctx := context.Background()
	owner := clientFor(t, srv.URL, "city-hall")
	bidder := clientFor(t, srv.URL, "acme")
	auditor := clientFor(t, srv.URL, "audit-office")

	tender, err := owner.CreateTender(ctx, "bridge repair", "1000", "audit-office")
	require.NoError(t, err)
	require.Equal(t, "bidding", tender.State)

	sealed, err := SealBid("900", "acme")
	require.NoError(t, err)
	_, err = bidder.SubmitBid(ctx, tender.ID, sealed.Hash)
	require.NoError(t, err)

	now.Store(now.Load().Add(48 * time.Hour))
	bid, err := bidder.RevealBid(ctx, tender.ID, sealed)
	require.NoError(t, err)
	require.True(t, bid.Valid)

	now.Store(now.Load().Add(24 * time.Hour))
	tender, err = bidder.SelectWinner(ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, "acme", tender.Winner)
	require.Equal(t, "450", tender.MilestonePayment)

	_, err = auditor.ApproveMilestone(ctx, tender.ID, 1, "450")
	require.NoError(t, err)
	bal, err := bidder.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, "450", bal.Pending)

	out, err := bidder.Withdraw(ctx)
	require.NoError(t, err)
	require.Equal(t, "450", out.Amount)

	page, err := bidder.EventsPage(ctx, tender.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv, _ := newServer(t)
	_, err := clientFor(t, srv.URL, "acme").Withdraw(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "nothing_to_withdraw", apiErr.Code)
}

func TestSealBidRejectsBadAmount(t *testing.T) {
	_, err := SealBid("-1", "acme")
	require.Error(t, err)
}
