package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/relay"
)

// operatorID is the sender recorded on messages issued from the CLI.
const operatorID = "operator"

var (
	msgKind    string
	msgAll     bool
	msgViaNATS bool
	stopReason string
)

func init() {
	rootCmd.AddCommand(msgCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(unblockCmd)

	msgCmd.Flags().StringVarP(&msgKind, "kind", "k", string(models.MessageAlert), "message kind (alert, share, query)")
	msgCmd.Flags().BoolVar(&msgAll, "all", false, "broadcast to every loop")
	msgCmd.Flags().BoolVar(&msgViaNATS, "nats", false, "publish on the configured NATS subject instead of the control queue")
	stopCmd.Flags().StringVar(&stopReason, "reason", "", "reason recorded with the stop")
}

var msgCmd = &cobra.Command{
	Use:   "msg [loop] <text>",
	Short: "Send a message to a loop",
	Long: `Send a coordination message to one loop, or to every loop with --all.
Messages reach the loop's next prompt; a query is answered with a share
after the loop's next iteration.`,
	Example: `  taskdaemon msg api-cleanup "the schema moved to db/schema.sql"
  taskdaemon msg --all --kind share "CI is green again"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, text, err := messageArgs(args, msgAll)
		if err != nil {
			return err
		}
		kind, err := operatorMessageKind(msgKind)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if target != models.BroadcastTarget && !msgViaNATS {
			exec, err := resolveLoop(ctx, target)
			if err != nil {
				return err
			}
			target = exec.ID
		}

		msg := models.CoordinationMessage{
			ID:        uuid.New().String(),
			Kind:      kind,
			From:      operatorID,
			To:        target,
			Payload:   text,
			CreatedAt: time.Now().UTC(),
		}

		if msgViaNATS {
			url := appConfig.Coordinator.NATSURL
			if url == "" {
				return fmt.Errorf("coordinator.nats_url is required for --nats")
			}
			if err := relay.Publish(ctx, url, appConfig.Coordinator.NATSSubject, msg); err != nil {
				return err
			}
			return writeQueued(msg.ID, target, string(kind))
		}

		if err := enqueueMessage(ctx, msg); err != nil {
			return err
		}
		return writeQueued(msg.ID, target, string(kind))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <loop>",
	Short: "Stop a loop after its current iteration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		exec, err := resolveLoop(ctx, args[0])
		if err != nil {
			return err
		}
		msg := models.CoordinationMessage{
			ID:        uuid.New().String(),
			Kind:      models.MessageStop,
			From:      operatorID,
			To:        exec.ID,
			Payload:   stopReason,
			CreatedAt: time.Now().UTC(),
		}
		if err := enqueueMessage(ctx, msg); err != nil {
			return err
		}
		return writeQueued(msg.ID, exec.Name, string(models.MessageStop))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <loop>",
	Short: "Pause a running loop at its next iteration boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(context.Background(), args[0], models.ControlPause)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <loop>",
	Short: "Resume a paused loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(context.Background(), args[0], models.ControlResume)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <loop>",
	Short: "Resume a loop blocked by a rebase conflict",
	Long: `Resume a loop blocked by a rebase conflict. Resolve the conflict in the
loop's working tree first; the loop is never retried automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(context.Background(), args[0], models.ControlUnblock)
	},
}

func messageArgs(args []string, all bool) (target, text string, err error) {
	switch {
	case all && len(args) == 1:
		target, text = models.BroadcastTarget, args[0]
	case all:
		return "", "", fmt.Errorf("--all takes only the message text")
	case len(args) == 2:
		target, text = args[0], args[1]
	default:
		return "", "", fmt.Errorf("usage: taskdaemon msg <loop> <text> or taskdaemon msg --all <text>")
	}
	if strings.TrimSpace(text) == "" {
		return "", "", fmt.Errorf("message text is required")
	}
	if models.IsBroadcastTarget(target) {
		target = models.BroadcastTarget
	}
	return target, text, nil
}

// operatorMessageKind accepts the kinds an operator may send; stop and
// main_updated have dedicated producers.
func operatorMessageKind(raw string) (models.MessageKind, error) {
	kind := models.MessageKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case models.MessageAlert, models.MessageShare, models.MessageQuery:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid message kind %q (use alert, share or query)", raw)
	}
}

func resolveLoop(ctx context.Context, ref string) (*models.LoopExecution, error) {
	database, err := openDatabase()
	if err != nil {
		return nil, err
	}
	defer database.Close()

	exec, err := db.NewExecutionRepository(database).Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("loop '%s': %w", ref, err)
	}
	return exec, nil
}

func enqueueMessage(ctx context.Context, msg models.CoordinationMessage) error {
	item, err := models.NewMessageControl(msg)
	if err != nil {
		return err
	}
	return enqueue(ctx, item)
}

func enqueueControl(ctx context.Context, ref string, action models.ControlAction) error {
	exec, err := resolveLoop(ctx, ref)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("loop '%s' is %s", exec.Name, exec.Status)
	}
	item := &models.ControlItem{Target: exec.ID, Action: action}
	if err := enqueue(ctx, item); err != nil {
		return err
	}
	return writeQueued(item.ID, exec.Name, string(action))
}

func enqueue(ctx context.Context, item *models.ControlItem) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewControlRepository(database).Enqueue(ctx, item); err != nil {
		return fmt.Errorf("failed to queue %s: %w", item.Action, err)
	}
	logger.Debug().Str("id", item.ID).Str("target", item.Target).Str("action", string(item.Action)).Msg("control queued")
	return nil
}

type queuedResult struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Action string `json:"action"`
}

func writeQueued(id, target, action string) error {
	formatter := NewFormatter(os.Stdout)
	if formatter.Structured() {
		return formatter.Write(queuedResult{ID: id, Target: target, Action: action})
	}
	fmt.Fprintf(os.Stdout, "Queued %s for %s\n", action, target)
	return nil
}
