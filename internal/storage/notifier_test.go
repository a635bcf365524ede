package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChange(t *testing.T) {
	tests := []struct {
		in      string
		want    Change
		wantErr bool
	}{
		{in: "abc|theme", want: Change{Origin: "abc", Key: "theme"}},
		{in: "abc|a|b", want: Change{Origin: "abc", Key: "a|b"}},
		{in: "abc", wantErr: true},
		{in: "|theme", wantErr: true},
		{in: "abc|", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseChange(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	l := NewLocal()
	n := 0
	cancel := l.Subscribe(func(Change) { n++ })

	require.NoError(t, l.Publish(context.Background(), Change{Origin: "o", Key: "k"}))
	cancel()
	require.NoError(t, l.Publish(context.Background(), Change{Origin: "o", Key: "k"}))
	assert.Equal(t, 1, n)
}

func TestRedisNotifier(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	n := NewRedis(client, "questmonitor:test:"+time.Now().Format(time.RFC3339Nano), nil)
	got := make(chan Change, 1)
	cancel := n.Subscribe(func(c Change) { got <- c })
	defer cancel()

	// The subscription is established asynchronously.
	require.Eventually(t, func() bool {
		require.NoError(t, n.Publish(context.Background(), Change{Origin: "o", Key: "theme"}))
		select {
		case c := <-got:
			return c == Change{Origin: "o", Key: "theme"}
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
