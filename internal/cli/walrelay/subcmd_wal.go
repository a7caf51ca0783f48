package walrelay

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
)

func dataDirFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     flagDataDir,
		Usage:    "path to the walrelay data directory",
		Required: true,
	}
}

func newWALCommand() *cli.Command {
	return &cli.Command{
		Name:        "wal",
		Usage:       "inspect the write-ahead log",
		UsageText:   "walrelay wal <subcommand>",
		Description: "This command inspects the write-ahead log of a stopped walrelay.",
		Subcommands: []*cli.Command{
			{
				Name:      "segments",
				Usage:     "list the segments of the write-ahead log",
				UsageText: "walrelay wal segments --data-dir <data-dir>",
				Flags: []cli.Flag{
					dataDirFlag(),
				},
				Action: walSegmentsAction,
			},
			{
				Name:      "consumers",
				Usage:     "list the garbage collection consumers holding the write-ahead log",
				UsageText: "walrelay wal consumers --data-dir <data-dir>",
				Flags: []cli.Flag{
					dataDirFlag(),
				},
				Action: walConsumersAction,
			},
		},
	}
}

func openLog(ctx *cli.Context, logger log.Logger) (keyvalue.Store, *wal.Log, error) {
	if ctx.NArg() > 0 {
		return nil, nil, fmt.Errorf("no arguments required, use -h for help")
	}

	db, err := keyvalue.NewBadgerStore(logger, databasePath(ctx.String(flagDataDir)))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	walLog, err := wal.Open(logger, keyvalue.NewPrefixedTransactioner(db, walPrefix), wal.Options{})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("open wal: %w", err), db.Close())
	}

	return db, walLog, nil
}

func closeLog(db keyvalue.Store, walLog *wal.Log) error {
	return errors.Join(walLog.Close(), db.Close())
}

func walSegmentsAction(ctx *cli.Context) (returnErr error) {
	logger, err := log.Configure(ctx.App.ErrWriter, "text", "error")
	if err != nil {
		return err
	}

	db, walLog, err := openLog(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(db, walLog); err != nil {
			returnErr = errors.Join(returnErr, fmt.Errorf("closing wal: %w", err))
		}
	}()

	table := newTable(ctx.App.Writer, "FIRST SEQ", "ROWS", "START", "END", "STATE")
	for _, segment := range walLog.Segments() {
		state := "open"
		if segment.Closed {
			state = "closed"
		}
		table.Append([]string{
			strconv.FormatUint(segment.FirstSeq, 10),
			strconv.FormatUint(segment.Rows, 10),
			segment.Start.String(),
			segment.End.String(),
			state,
		})
	}
	table.Render()

	return nil
}

func walConsumersAction(ctx *cli.Context) (returnErr error) {
	logger, err := log.Configure(ctx.App.ErrWriter, "text", "error")
	if err != nil {
		return err
	}

	db, walLog, err := openLog(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(db, walLog); err != nil {
			returnErr = errors.Join(returnErr, fmt.Errorf("closing wal: %w", err))
		}
	}()

	registry, err := gc.Open(logger, keyvalue.NewPrefixedTransactioner(db, gcPrefix), walLog)
	if err != nil {
		return fmt.Errorf("open gc registry: %w", err)
	}

	table := newTable(ctx.App.Writer, "CONSUMER", "SIGNATURE")
	for _, consumer := range registry.Consumers() {
		table.Append([]string{consumer.Name(), strconv.FormatInt(consumer.Signature(), 10)})
	}
	table.Render()

	return nil
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}
