package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/bluesky-social/bailiff/modapi"
	"github.com/bluesky-social/bailiff/moderation"
	"github.com/bluesky-social/bailiff/resolver"
	"github.com/bluesky-social/bailiff/subject"
	"github.com/bluesky-social/bailiff/util/cliutil"

	cli "github.com/urfave/cli/v2"
)

// localEngine opens the ledger directly, for operator commands run next to
// the database. Messages are left in the outbox for the daemon to deliver.
func localEngine(cctx *cli.Context) (*moderation.Engine, error) {
	logger := cliutil.ConfigLogger(cctx, os.Stderr)
	db, err := openDatabase(cctx)
	if err != nil {
		return nil, err
	}
	return moderation.NewEngine(db, moderation.Config{
		Resolver: resolver.NewIndexResolver(db),
		Logger:   logger.With("system", "moderation"),
	})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func argID(cctx *cli.Context) (uint64, error) {
	if cctx.Args().Len() != 1 {
		return 0, fmt.Errorf("expected exactly one id argument")
	}
	return strconv.ParseUint(cctx.Args().First(), 10, 64)
}

func optSubject(cctx *cli.Context) (subject.Subject, error) {
	raw := cctx.String("subject")
	if raw == "" {
		return nil, nil
	}
	return subject.Parse(raw)
}

var actionsCmd = &cli.Command{
	Name:  "actions",
	Usage: "inspect and manage moderation actions",
	Subcommands: []*cli.Command{
		listActionsCmd,
		getActionCmd,
		takeActionCmd,
		reverseActionCmd,
		resolveReportsCmd,
	},
}

var listActionsCmd = &cli.Command{
	Name: "list",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "subject",
			Usage: "DID or AT-URI to filter on",
		},
		&cli.StringFlag{
			Name: "before",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 50,
		},
	},
	Action: func(cctx *cli.Context) error {
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		subj, err := optSubject(cctx)
		if err != nil {
			return err
		}
		page, err := engine.ListActions(cctx.Context, moderation.ListActionsParams{
			Subject: subj,
			Before:  cctx.String("before"),
			Limit:   cctx.Int("limit"),
		})
		if err != nil {
			return err
		}
		for _, act := range page.Actions {
			if err := printJSON(modapi.NewActionView(act)); err != nil {
				return err
			}
		}
		if page.Cursor != "" {
			fmt.Fprintf(os.Stderr, "cursor: %s\n", page.Cursor)
		}
		return nil
	},
}

var getActionCmd = &cli.Command{
	Name:      "get",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		id, err := argID(cctx)
		if err != nil {
			return err
		}
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		act, err := engine.GetAction(cctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(modapi.NewActionView(act))
	},
}

var takeActionCmd = &cli.Command{
	Name:      "take",
	Usage:     "record a flag, acknowledge or takedown",
	ArgsUsage: "<did-or-at-uri>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "action",
			Usage:    "flag, acknowledge or takedown",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "reason",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "created-by",
			Usage:    "operator DID",
			Required: true,
			EnvVars:  []string{"BAILIFF_OPERATOR_DID"},
		},
		&cli.StringFlag{
			Name:  "cid",
			Usage: "pin a record subject to this CID",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one subject argument")
		}
		subj, err := subject.Parse(cctx.Args().First())
		if err != nil {
			return err
		}
		if c := cctx.String("cid"); c != "" {
			rec, ok := subj.(subject.Record)
			if !ok {
				return fmt.Errorf("--cid only applies to record subjects")
			}
			if subj, err = subject.NewRecord(rec.Uri, c); err != nil {
				return err
			}
		}
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		act, err := engine.TakeAction(cctx.Context, moderation.TakeActionInput{
			Action:    cctx.String("action"),
			Subject:   subj,
			Reason:    cctx.String("reason"),
			CreatedBy: cctx.String("created-by"),
		})
		if err != nil {
			return err
		}
		return printJSON(modapi.NewActionView(act))
	},
}

var reverseActionCmd = &cli.Command{
	Name:      "reverse",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "reason",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "created-by",
			Usage:    "operator DID",
			Required: true,
			EnvVars:  []string{"BAILIFF_OPERATOR_DID"},
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := argID(cctx)
		if err != nil {
			return err
		}
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		act, err := engine.ReverseAction(cctx.Context, moderation.ReverseActionInput{
			ID:        id,
			CreatedBy: cctx.String("created-by"),
			Reason:    cctx.String("reason"),
		})
		if err != nil {
			return err
		}
		return printJSON(modapi.NewActionView(act))
	},
}

var resolveReportsCmd = &cli.Command{
	Name:      "resolve",
	Usage:     "link reports to an action",
	ArgsUsage: "<action-id> <report-id>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "created-by",
			Usage:    "operator DID",
			Required: true,
			EnvVars:  []string{"BAILIFF_OPERATOR_DID"},
		},
	},
	Action: func(cctx *cli.Context) error {
		args := cctx.Args().Slice()
		if len(args) < 2 {
			return fmt.Errorf("expected an action id and at least one report id")
		}
		ids := make([]uint64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", a, err)
			}
			ids = append(ids, id)
		}
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		act, err := engine.ResolveReports(cctx.Context, moderation.ResolveReportsInput{
			ActionID:  ids[0],
			ReportIDs: ids[1:],
			CreatedBy: cctx.String("created-by"),
		})
		if err != nil {
			return err
		}
		return printJSON(modapi.NewActionView(act))
	},
}

var reportsCmd = &cli.Command{
	Name:  "reports",
	Usage: "inspect moderation reports",
	Subcommands: []*cli.Command{
		listReportsCmd,
		getReportCmd,
	},
}

var listReportsCmd = &cli.Command{
	Name: "list",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "subject",
			Usage: "DID or AT-URI to filter on",
		},
		&cli.StringFlag{
			Name:  "resolved",
			Usage: "true or false; omit for all reports",
		},
		&cli.StringFlag{
			Name: "before",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 50,
		},
	},
	Action: func(cctx *cli.Context) error {
		subj, err := optSubject(cctx)
		if err != nil {
			return err
		}
		var resolved *bool
		if raw := cctx.String("resolved"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("--resolved: %w", err)
			}
			resolved = &v
		}
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		page, err := engine.ListReports(cctx.Context, moderation.ListReportsParams{
			Subject:  subj,
			Resolved: resolved,
			Before:   cctx.String("before"),
			Limit:    cctx.Int("limit"),
		})
		if err != nil {
			return err
		}
		for _, rep := range page.Reports {
			if err := printJSON(modapi.NewReportView(rep)); err != nil {
				return err
			}
		}
		if page.Cursor != "" {
			fmt.Fprintf(os.Stderr, "cursor: %s\n", page.Cursor)
		}
		return nil
	},
}

var getReportCmd = &cli.Command{
	Name:      "get",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		id, err := argID(cctx)
		if err != nil {
			return err
		}
		engine, err := localEngine(cctx)
		if err != nil {
			return err
		}
		rep, err := engine.GetReport(cctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(modapi.NewReportView(rep))
	},
}
