// Package config loads and validates the relay's configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gitlab.com/gitlab-org/walrelay/internal/errors/cfgerror"
	"gitlab.com/gitlab-org/walrelay/internal/helper/duration"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/relay"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
)

const (
	// DefaultTimeout is the default replication timeout.
	DefaultTimeout = time.Second
	// DefaultPipeCapacity is the default bound of in-flight messages per relay pipe.
	DefaultPipeCapacity = 1024
)

// Cfg is the relay's configuration.
type Cfg struct {
	ListenAddr           string      `json:"listen_addr"            toml:"listen_addr,omitempty"`
	PrometheusListenAddr string      `json:"prometheus_listen_addr" toml:"prometheus_listen_addr,omitempty"`
	InstanceUUID         string      `json:"instance_uuid"          toml:"instance_uuid,omitempty"`
	DataDir              string      `json:"data_dir"               toml:"data_dir,omitempty"`
	Logging              log.Config  `json:"logging"                toml:"logging,omitempty"`
	WAL                  WAL         `json:"wal"                    toml:"wal,omitempty"`
	Replication          Replication `json:"replication"            toml:"replication,omitempty"`
}

// WAL configures the write-ahead log.
type WAL struct {
	// SegmentMaxRows is the number of rows after which the open segment is closed.
	SegmentMaxRows uint64 `json:"segment_max_rows" toml:"segment_max_rows,omitempty"`
}

// Replication configures the relay sessions.
type Replication struct {
	// Timeout is the heartbeat interval.
	Timeout duration.Duration `json:"timeout" toml:"timeout,omitempty"`
	// DisconnectTimeout is the time after which a silent replica is disconnected. It defaults
	// to four times the Timeout.
	DisconnectTimeout duration.Duration `json:"disconnect_timeout" toml:"disconnect_timeout,omitempty"`
	// ReportInterval overrides the heartbeat interval when set.
	ReportInterval duration.Duration `json:"report_interval" toml:"report_interval,omitempty"`
	// PipeCapacity bounds the messages in flight between a relay and the transaction processor.
	PipeCapacity int `json:"pipe_capacity" toml:"pipe_capacity,omitempty"`
	// VClockAckVersion is the lowest replica version whose acknowledgments are trusted.
	VClockAckVersion string `json:"vclock_ack_version" toml:"vclock_ack_version,omitempty"`
}

// Load initializes the Config variable from file and the environment. Unset values are filled
// with their defaults.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return Cfg{}, fmt.Errorf("load toml: %s", strictErr.String())
		}
		return Cfg{}, fmt.Errorf("load toml: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return Cfg{}, err
	}

	return cfg, nil
}

func (cfg *Cfg) setDefaults() error {
	if cfg.DataDir != "" {
		var err error
		if cfg.DataDir, err = filepath.Abs(cfg.DataDir); err != nil {
			return err
		}
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.WAL.SegmentMaxRows == 0 {
		cfg.WAL.SegmentMaxRows = wal.DefaultSegmentMaxRows
	}

	if cfg.Replication.Timeout == 0 {
		cfg.Replication.Timeout = duration.Duration(DefaultTimeout)
	}
	if cfg.Replication.DisconnectTimeout == 0 {
		cfg.Replication.DisconnectTimeout = 4 * cfg.Replication.Timeout
	}
	if cfg.Replication.PipeCapacity == 0 {
		cfg.Replication.PipeCapacity = DefaultPipeCapacity
	}
	if cfg.Replication.VClockAckVersion == "" {
		cfg.Replication.VClockAckVersion = wire.FormatVersion(wire.VClockAckVersion)
	}

	return nil
}

// Validate checks the configuration and returns all problems found.
func (cfg *Cfg) Validate() error {
	var errs cfgerror.ValidationErrors
	for _, check := range []struct {
		field    string
		validate func() error
	}{
		{field: "listen_addr", validate: func() error {
			return cfgerror.NotBlank(cfg.ListenAddr)
		}},
		{field: "instance_uuid", validate: func() error {
			if err := cfgerror.NotBlank(cfg.InstanceUUID); err != nil {
				return err
			}
			if _, err := uuid.Parse(cfg.InstanceUUID); err != nil {
				return cfgerror.NewValidationError(fmt.Errorf("%w: %w", cfgerror.ErrUnsupportedValue, err))
			}
			return nil
		}},
		{field: "data_dir", validate: func() error {
			return cfgerror.NotBlank(cfg.DataDir)
		}},
		{field: "replication", validate: cfg.Replication.Validate},
	} {
		var fields []string
		if check.field != "" {
			fields = append(fields, check.field)
		}
		errs = errs.Append(check.validate(), fields...)
	}

	return errs.AsError()
}

// Validate runs validation on all fields and composes all found errors.
func (r Replication) Validate() error {
	errs := cfgerror.New().
		Append(cfgerror.Comparable(r.Timeout.Duration()).GreaterThan(0), "timeout").
		Append(cfgerror.Comparable(r.DisconnectTimeout.Duration()).GreaterThan(r.Timeout.Duration()), "disconnect_timeout").
		Append(cfgerror.Comparable(r.ReportInterval.Duration()).GreaterOrEqual(0), "report_interval").
		Append(cfgerror.Comparable(r.PipeCapacity).GreaterOrEqual(0), "pipe_capacity")

	// A status update and a GC advance of a relay may be in flight at the same time.
	if r.PipeCapacity == 1 {
		errs = errs.Append(cfgerror.NewValidationError(fmt.Errorf("%w: 1 leaves no room for gc advances", cfgerror.ErrNotInRange)), "pipe_capacity")
	}

	if _, err := wire.ParseVersion(r.VClockAckVersion); err != nil {
		errs = errs.Append(cfgerror.NewValidationError(fmt.Errorf("%w: %w", cfgerror.ErrUnsupportedValue, err)), "vclock_ack_version")
	}

	return errs.AsError()
}

// RelayConfig returns the relay configuration. The configuration must be valid.
func (r Replication) RelayConfig(instanceID uint32) relay.Config {
	version, err := wire.ParseVersion(r.VClockAckVersion)
	if err != nil {
		version = wire.VClockAckVersion
	}

	return relay.Config{
		InstanceID:        instanceID,
		Timeout:           r.Timeout.Duration(),
		DisconnectTimeout: r.DisconnectTimeout.Duration(),
		ReportInterval:    r.ReportInterval.Duration(),
		PipeCapacity:      r.PipeCapacity,
		VClockAckVersion:  version,
	}
}
