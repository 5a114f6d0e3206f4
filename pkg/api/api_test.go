package api

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/flakeoor/pkg/config"
)

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := NewServer(log, testConfig())
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}

func TestServer_StartFailureStopsStore(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = busy.Close() })

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name:    "listen address in use",
			mutate:  func(cfg *config.Config) { cfg.Server.Listen = busy.Addr().String() },
			wantErr: "listening on",
		},
		{
			name:    "importer without storage",
			mutate:  func(cfg *config.Config) { cfg.Import.Enabled = true },
			wantErr: "creating storage reader",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := logrus.New()
			log.SetLevel(logrus.ErrorLevel)

			cfg := testConfig()
			tt.mutate(cfg)

			s := &server{log: log, cfg: cfg}

			err := s.Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			// Start stopped and released what it had opened.
			assert.Nil(t, s.store)
			assert.Nil(t, s.httpServer)
			assert.Nil(t, s.importer)
		})
	}
}
