package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/secretstore"
)

func TestDeviceID(t *testing.T) {
	st, err := secretstore.Open(secretstore.Options{Dir: t.TempDir(), Secret: []byte("a")})
	require.NoError(t, err)

	id, err := deviceID(st, "")
	require.NoError(t, err)
	_, err = uuid.FromString(id)
	require.NoError(t, err)
	require.Equal(t, id, st.String(secretstore.KeyDeviceID))

	again, err := deviceID(st, "")
	require.NoError(t, err)
	require.Equal(t, id, again, "stored id is reused")

	forced, err := deviceID(st, "imei-356938035643809")
	require.NoError(t, err)
	require.Equal(t, "imei-356938035643809", forced)
	require.Equal(t, forced, st.String(secretstore.KeyDeviceID))
}

func TestFileProvider_EmptyPathDisables(t *testing.T) {
	require.Nil(t, fileProvider("", 0, nil))
}

func TestSupervisor_StopsComponentsBeforeMachine(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := newSupervisor(ctx, zap.NewNop())
	for _, name := range []string{"listener", "workers"} {
		sup.spawn(name, func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			record(name)
			return ctx.Err()
		})
	}

	sup.shutdown(cancel, func() { record("machine") })
	require.Len(t, order, 3)
	require.ElementsMatch(t, []string{"listener", "workers"}, order[:2])
	require.Equal(t, "machine", order[2])
}
