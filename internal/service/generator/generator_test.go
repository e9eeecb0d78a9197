package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	out   string
	err   error
	calls int
	user  string
}

func (s *stubCompleter) Complete(_ context.Context, _, user string) (string, error) {
	s.calls++
	s.user = user
	return s.out, s.err
}

func TestParseAlerts(t *testing.T) {
	cases := map[string]string{
		"bare":    `[{"symbol":"BTC","validity":0.9},{"symbol":"ETH"}]`,
		"fenced":  "```json\n[{\"symbol\":\"BTC\",\"validity\":0.9},{\"symbol\":\"ETH\"}]\n```",
		"prose":   "Here you go:\n[{\"symbol\":\"BTC\",\"validity\":0.9},{\"symbol\":\"ETH\"}]\nGood luck!",
		"wrapped": `{"alerts":[{"symbol":"BTC","validity":0.9},{"symbol":"ETH"}]}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			items, err := ParseAlerts(text)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "BTC", items[0]["symbol"])
			assert.Equal(t, "0.9", items[0]["validity"].(interface{ String() string }).String())
		})
	}
}

func TestParseAlertsSkipsNonObjects(t *testing.T) {
	items, err := ParseAlerts(`[1, "x", {"symbol":"SOL"}, null]`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SOL", items[0]["symbol"])
}

func TestParseAlertsRejectsGarbage(t *testing.T) {
	for _, text := range []string{"", "no json here", `{"symbol":"BTC"}`, "[not json]", `"just a string"`} {
		_, err := ParseAlerts(text)
		assert.ErrorIs(t, err, ErrUnparseable, text)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt([]string{"BTC", "ETH"}, 3)
	assert.Contains(t, p, "up to 3")
	assert.Contains(t, p, "BTC, ETH")
}

func TestGenerate(t *testing.T) {
	stub := &stubCompleter{out: `[{"symbol":"BTC"}]`}
	g := New(stub, BreakerConfig{}, nil)

	items, err := g.Generate(context.Background(), []string{"BTC"}, 2)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Contains(t, stub.user, "BTC")
}

func TestGenerateUnparseable(t *testing.T) {
	g := New(&stubCompleter{out: "sorry, I cannot help"}, BreakerConfig{}, nil)

	_, err := g.Generate(context.Background(), nil, 3)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestGenerateBreakerOpens(t *testing.T) {
	stub := &stubCompleter{err: errors.New("503 service unavailable")}
	g := New(stub, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Generate(ctx, nil, 1)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.Generate(ctx, nil, 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, stub.calls)
}
