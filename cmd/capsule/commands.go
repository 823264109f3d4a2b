package main

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/timecapsule/internal/client"
	"github.com/dharsanguruparan/timecapsule/internal/database"
	"github.com/dharsanguruparan/timecapsule/internal/listview"
	"github.com/dharsanguruparan/timecapsule/internal/model"
	"github.com/dharsanguruparan/timecapsule/internal/picker"
	"github.com/dharsanguruparan/timecapsule/internal/progress"
	"github.com/dharsanguruparan/timecapsule/internal/queue"
	"github.com/dharsanguruparan/timecapsule/internal/receipts"
	"github.com/dharsanguruparan/timecapsule/internal/upload"
)

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capsule",
		Short: "Lock files away until a chosen date",
		Long: `capsule talks to a time capsule server: lock a file for a set of users until an
unlock time, list the capsules shared with you, and download them once they open.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	cmd.PersistentFlags().StringVar(&a.serverFlag, "server", "", "Capsule server URL (default $CAPSULE_SERVER)")
	cmd.PersistentFlags().StringVar(&a.keyFlag, "key", "", "Capsule key (default $CAPSULE_KEY or the keyring)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log requests to stderr")
	cmd.AddCommand(
		newKeyCmd(a),
		newListCmd(a),
		newUploadCmd(a),
		newUnlockCmd(a),
		newDeleteCmd(a),
		newScheduleCmd(a),
		newJobsCmd(a),
	)
	return cmd
}

func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the capsule key kept in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set KEY",
			Short: "Remember a capsule key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.keys.Set(args[0]); err != nil {
					return err
				}
				a.notes.Toast("Capsule key saved")
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the capsule key in use",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				key := a.ownerKey()
				if key == "" {
					a.notes.Error(client.MsgEnterKey)
					return reported(errors.New("no capsule key"))
				}
				fmt.Fprintln(a.out, key)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget the stored capsule key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.keys.Clear()
			},
		},
	)
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List capsules shared with you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			view := a.listView(c, false)
			if err := view.Refresh(cmd.Context()); err != nil {
				return reported(err)
			}
			printRows(a, view.Rows())
			return nil
		},
	}
}

func printRows(a *app, rows []listview.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(a.out, "No capsules yet.")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, row := range rows {
		labels := make([]string, len(row.Actions))
		for i, act := range row.Actions {
			labels[i] = "[" + act.Label + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.ID, row.Filename, row.Caption, strings.Join(labels, " "))
	}
	tw.Flush()
}

type unlockFlags struct {
	unlock                         string
	year, month, day, hour, minute int
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		to    string
		when  unlockFlags
		sched bool
	)
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Lock a file until the unlock time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.client()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			p := picker.New(nil)
			if err := choose(cmd, p, when); err != nil {
				a.notes.Inline(err.Error())
				return reported(err)
			}

			view := a.listView(c, false)
			ctrl := upload.New(upload.Config{
				Uploader: c,
				Picker:   p,
				Progress: progress.New(a.cfg.ProgressTick, a.progressBar()),
				Notifier: a.notes,
				List:     view,
				Logger:   a.logger,
			})
			ctrl.SetOwnerKey(a.ownerKey())
			ctrl.SetAllowedUsers(to)
			ctrl.SetFile(&model.File{Name: filepath.Base(f.Name()), ContentType: contentType(f), Reader: f})
			if err := ctrl.Submit(ctx); err != nil {
				return reported(err)
			}
			printRows(a, view.Rows())
			if sched {
				rec := ctrl.LastUploaded()
				if rec == nil || rec.ID == "" {
					return errors.New("server did not return an id for the new capsule")
				}
				return schedule(cmd, a, rec.ID, rec.Filename, rec.UnlockDate)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Comma separated users allowed to open the capsule")
	cmd.Flags().StringVar(&when.unlock, "unlock", "", "Unlock time as YYYY-MM-DDTHH:MM")
	cmd.Flags().IntVar(&when.year, "year", 0, "Unlock year")
	cmd.Flags().IntVar(&when.month, "month", 0, "Unlock month (1-12)")
	cmd.Flags().IntVar(&when.day, "day", 0, "Unlock day of month")
	cmd.Flags().IntVar(&when.hour, "hour", 0, "Unlock hour (0-23)")
	cmd.Flags().IntVar(&when.minute, "minute", 0, "Unlock minute (0-59)")
	cmd.Flags().BoolVar(&sched, "schedule", false, "Also queue an automatic download at the unlock time")
	for _, component := range []string{"year", "month", "day", "hour", "minute"} {
		cmd.MarkFlagsMutuallyExclusive("unlock", component)
	}
	return cmd
}

// choose drives the picker from flags. With no unlock flags the picker stays
// unconfirmed and the form reports the missing date.
func choose(cmd *cobra.Command, p *picker.Picker, when unlockFlags) error {
	if when.unlock != "" {
		ts, err := model.ParseTimestamp(when.unlock)
		if err != nil {
			return err
		}
		p.Open()
		if err := p.SetTimestamp(ts); err != nil {
			return err
		}
		_, err = p.Confirm()
		return err
	}
	fields := map[string]picker.Field{
		"month": picker.Month, "day": picker.Day, "year": picker.Year,
		"hour": picker.Hour, "minute": picker.Minute,
	}
	values := map[string]int{
		"month": when.month, "day": when.day, "year": when.year,
		"hour": when.hour, "minute": when.minute,
	}
	opened := false
	for _, name := range []string{"month", "day", "year", "hour", "minute"} {
		if !cmd.Flags().Changed(name) {
			continue
		}
		if !opened {
			p.Open()
			opened = true
		}
		if err := p.Set(fields[name], values[name]); err != nil {
			return err
		}
	}
	if !opened {
		return nil
	}
	_, err := p.Confirm()
	return err
}

func contentType(f *os.File) string {
	if ct := mime.TypeByExtension(filepath.Ext(f.Name())); ct != "" {
		return ct
	}
	head := make([]byte, 512)
	n, _ := f.Read(head)
	if _, err := f.Seek(0, 0); err != nil {
		return "application/octet-stream"
	}
	return http.DetectContentType(head[:n])
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock ID",
		Short: "Download a capsule whose unlock time has passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			view := a.listView(c, false)
			location, err := view.Unlock(cmd.Context(), args[0])
			if err != nil {
				return reported(err)
			}
			fmt.Fprintf(a.out, "Saved to %s\n", location)
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a capsule you uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			view := a.listView(c, yes)
			err = view.Delete(cmd.Context(), args[0])
			if errors.Is(err, listview.ErrNotConfirmed) {
				fmt.Fprintln(a.out, "Cancelled.")
				return nil
			}
			if err != nil {
				return reported(err)
			}
			printRows(a, view.Rows())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule ID",
		Short: "Queue an automatic download for when a capsule unlocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			key := a.ownerKey()
			if key == "" {
				a.notes.Error(client.MsgEnterKey)
				return reported(errors.New("no capsule key"))
			}
			records, err := c.List(cmd.Context(), key)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.ID == args[0] {
					return schedule(cmd, a, rec.ID, rec.Filename, rec.UnlockDate)
				}
			}
			return fmt.Errorf("capsule %s is not shared with you", args[0])
		},
	}
}

func schedule(cmd *cobra.Command, a *app, id, name string, unlock model.Timestamp) error {
	ctx := cmd.Context()
	qc := asynq.NewClient(redisOpt(a))
	defer qc.Close()

	at := queue.ProcessTime(unlock, time.Local, time.Now())
	payload := queue.UnlockPayload{CapsuleID: id, OwnerKey: a.ownerKey(), FileName: name, UnlockAt: unlock}
	taskID, err := queue.EnqueueUnlock(ctx, qc, payload, at)
	if err != nil {
		return err
	}
	if a.cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		job := &receipts.UnlockJob{ID: queue.JobID(id), CapsuleID: id, FileName: name, UnlockAt: unlock.String()}
		if err := receipts.NewRepository(pool).Schedule(ctx, job); err != nil {
			return err
		}
	}
	a.logger.Info("unlock scheduled", "task", taskID)
	a.notes.Toast(fmt.Sprintf("%s will be downloaded at %s", name, unlock.Display()))
	return nil
}

func newJobsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show scheduled unlocks and their outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.DatabaseURL == "" {
				return errors.New("CAPSULE_DATABASE_URL is not set")
			}
			pool, err := database.Connect(ctx, a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			jobs, err := receipts.NewRepository(pool).List(ctx, limit)
			if err != nil {
				return err
			}
			printJobs(a, jobs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to show")
	return cmd
}

func printJobs(a *app, jobs []receipts.UnlockJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(a.out, "No scheduled unlocks.")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPSULE\tFILE\tUNLOCK\tSTATUS\tDETAIL")
	for _, job := range jobs {
		detail := ""
		switch {
		case job.ErrorMessage != nil:
			detail = *job.ErrorMessage
		case job.Location != nil:
			detail = *job.Location
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.CapsuleID, job.FileName, job.UnlockAt, job.Status, detail)
	}
	tw.Flush()
}

func redisOpt(a *app) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}
