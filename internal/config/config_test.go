package config

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/walrelay/internal/errors/cfgerror"
	"gitlab.com/gitlab-org/walrelay/internal/helper/duration"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/relay"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc          string
		contents      string
		expectedCfg   Cfg
		expectedError string
	}{
		{
			desc:     "defaults",
			contents: `listen_addr = "localhost:3301"`,
			expectedCfg: Cfg{
				ListenAddr: "localhost:3301",
				Logging:    log.Config{Format: "text", Level: "info"},
				WAL:        WAL{SegmentMaxRows: 10000},
				Replication: Replication{
					Timeout:           duration.Duration(time.Second),
					DisconnectTimeout: duration.Duration(4 * time.Second),
					PipeCapacity:      1024,
					VClockAckVersion:  "1.7.4",
				},
			},
		},
		{
			desc: "all values set",
			contents: `
listen_addr = "localhost:3301"
prometheus_listen_addr = "localhost:9236"
instance_uuid = "2a0c4ab0-49c1-4cf4-a269-a01b4d3fa89d"
data_dir = "/var/lib/walrelay"

[logging]
format = "json"
level = "debug"

[wal]
segment_max_rows = 100

[replication]
timeout = "500ms"
disconnect_timeout = "10s"
report_interval = "100ms"
pipe_capacity = 8
vclock_ack_version = "2.0.0"
`,
			expectedCfg: Cfg{
				ListenAddr:           "localhost:3301",
				PrometheusListenAddr: "localhost:9236",
				InstanceUUID:         "2a0c4ab0-49c1-4cf4-a269-a01b4d3fa89d",
				DataDir:              "/var/lib/walrelay",
				Logging:              log.Config{Format: "json", Level: "debug"},
				WAL:                  WAL{SegmentMaxRows: 100},
				Replication: Replication{
					Timeout:           duration.Duration(500 * time.Millisecond),
					DisconnectTimeout: duration.Duration(10 * time.Second),
					ReportInterval:    duration.Duration(100 * time.Millisecond),
					PipeCapacity:      8,
					VClockAckVersion:  "2.0.0",
				},
			},
		},
		{
			desc: "disconnect timeout follows timeout",
			contents: `
[replication]
timeout = "2s"
`,
			expectedCfg: Cfg{
				Logging: log.Config{Format: "text", Level: "info"},
				WAL:     WAL{SegmentMaxRows: 10000},
				Replication: Replication{
					Timeout:           duration.Duration(2 * time.Second),
					DisconnectTimeout: duration.Duration(8 * time.Second),
					PipeCapacity:      1024,
					VClockAckVersion:  "1.7.4",
				},
			},
		},
		{
			desc:          "invalid duration",
			contents:      "[replication]\ntimeout = \"soon\"",
			expectedError: "load toml",
		},
		{
			desc:          "unknown field",
			contents:      `listen_address = "localhost:3301"`,
			expectedError: "listen_address",
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(strings.NewReader(tc.contents))
			if tc.expectedError != "" {
				require.ErrorContains(t, err, tc.expectedError)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expectedCfg, cfg)
		})
	}
}

func TestCfg_Validate(t *testing.T) {
	t.Parallel()

	valid := func() Cfg {
		cfg, err := Load(strings.NewReader(`
listen_addr = "localhost:3301"
instance_uuid = "2a0c4ab0-49c1-4cf4-a269-a01b4d3fa89d"
data_dir = "/var/lib/walrelay"
`))
		require.NoError(t, err)
		return cfg
	}

	for _, tc := range []struct {
		desc           string
		modify         func(*Cfg)
		expectedErrors cfgerror.ValidationErrors
	}{
		{
			desc:   "valid",
			modify: func(*Cfg) {},
		},
		{
			desc: "missing required fields",
			modify: func(cfg *Cfg) {
				cfg.ListenAddr = ""
				cfg.InstanceUUID = " "
				cfg.DataDir = ""
			},
			expectedErrors: cfgerror.ValidationErrors{
				cfgerror.NewValidationError(cfgerror.ErrBlankOrEmpty, "listen_addr"),
				cfgerror.NewValidationError(cfgerror.ErrBlankOrEmpty, "instance_uuid"),
				cfgerror.NewValidationError(cfgerror.ErrBlankOrEmpty, "data_dir"),
			},
		},
		{
			desc: "disconnect timeout not above timeout",
			modify: func(cfg *Cfg) {
				cfg.Replication.DisconnectTimeout = cfg.Replication.Timeout
			},
			expectedErrors: cfgerror.ValidationErrors{
				cfgerror.NewValidationError(
					fmt.Errorf("%w: 1s is not greater than 1s", cfgerror.ErrNotInRange),
					"replication", "disconnect_timeout",
				),
			},
		},
		{
			desc: "negative pipe capacity",
			modify: func(cfg *Cfg) {
				cfg.Replication.PipeCapacity = -1
			},
			expectedErrors: cfgerror.ValidationErrors{
				cfgerror.NewValidationError(
					fmt.Errorf("%w: -1 is not greater than or equal to 0", cfgerror.ErrNotInRange),
					"replication", "pipe_capacity",
				),
			},
		},
		{
			desc: "pipe capacity of a single message",
			modify: func(cfg *Cfg) {
				cfg.Replication.PipeCapacity = 1
			},
			expectedErrors: cfgerror.ValidationErrors{
				cfgerror.NewValidationError(
					fmt.Errorf("%w: 1 leaves no room for gc advances", cfgerror.ErrNotInRange),
					"replication", "pipe_capacity",
				),
			},
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tc.modify(&cfg)

			err := cfg.Validate()
			if tc.expectedErrors == nil {
				require.NoError(t, err)
				return
			}

			require.Equal(t, tc.expectedErrors, err)
		})
	}
}

func TestCfg_Validate_invalidValues(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(`
listen_addr = "localhost:3301"
instance_uuid = "not-a-uuid"
data_dir = "/var/lib/walrelay"

[replication]
vclock_ack_version = "1.7"
`))
	require.NoError(t, err)

	var errs cfgerror.ValidationErrors
	require.ErrorAs(t, cfg.Validate(), &errs)
	require.Len(t, errs, 2)
	require.Equal(t, []string{"instance_uuid"}, errs[0].Key)
	require.ErrorIs(t, errs[0], cfgerror.ErrUnsupportedValue)
	require.Equal(t, []string{"replication", "vclock_ack_version"}, errs[1].Key)
	require.ErrorIs(t, errs[1], cfgerror.ErrUnsupportedValue)
}

func TestReplication_RelayConfig(t *testing.T) {
	t.Parallel()

	replication := Replication{
		Timeout:           duration.Duration(time.Second),
		DisconnectTimeout: duration.Duration(4 * time.Second),
		ReportInterval:    duration.Duration(time.Millisecond),
		PipeCapacity:      8,
		VClockAckVersion:  "1.10.0",
	}

	require.Equal(t, relay.Config{
		InstanceID:        1,
		Timeout:           time.Second,
		DisconnectTimeout: 4 * time.Second,
		ReportInterval:    time.Millisecond,
		PipeCapacity:      8,
		VClockAckVersion:  wire.VersionID(1, 10, 0),
	}, replication.RelayConfig(1))
}
