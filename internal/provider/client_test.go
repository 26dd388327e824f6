package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/completion"
)

func shProvider(script string) *Client {
	return New(Config{Default: []string{"/bin/sh", "-c", script}})
}

func TestInvokeParsesResultShape(t *testing.T) {
	c := shProvider(`echo '{"result":"hello","session_id":"s9","total_cost_usd":0.25}'`)

	res, err := c.Invoke(context.Background(), completion.Request{Model: "test-model", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Content)
	require.Equal(t, "s9", res.SessionID)
	require.InDelta(t, 0.25, res.CostUSD, 0.0001)
}

func TestInvokeAcceptsContentField(t *testing.T) {
	c := shProvider(`echo '{"content":"alt shape"}'`)

	res, err := c.Invoke(context.Background(), completion.Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	require.Equal(t, "alt shape", res.Content)
}

func TestInvokeSurfacesProviderError(t *testing.T) {
	c := shProvider(`echo '{"is_error":true,"error_message":"model overloaded"}'`)

	res, err := c.Invoke(context.Background(), completion.Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "model overloaded", res.ErrorMessage)
}

func TestInvokeNonZeroExit(t *testing.T) {
	c := shProvider(`echo oops >&2; exit 3`)

	_, err := c.Invoke(context.Background(), completion.Request{Model: "m", Prompt: "p"})
	require.ErrorContains(t, err, "provider subprocess failed")
	require.ErrorContains(t, err, "oops")
}

func TestInvokeInvalidJSON(t *testing.T) {
	c := shProvider(`echo not-json`)

	_, err := c.Invoke(context.Background(), completion.Request{Model: "m", Prompt: "p"})
	require.ErrorContains(t, err, "invalid JSON")
}

func TestInvokeHonorsContextCancellation(t *testing.T) {
	c := shProvider(`sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, completion.Request{Model: "m", Prompt: "p"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeNoCommandConfigured(t *testing.T) {
	c := New(Config{})
	_, err := c.Invoke(context.Background(), completion.Request{Model: "m", Prompt: "p"})
	require.ErrorContains(t, err, "no command configured")
}
