package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ingestledger/internal/app"
	"ingestledger/internal/dispatch"
	"ingestledger/internal/engine"
	"ingestledger/internal/queue"
	ledgersdk "ingestledger/sdk/go"
)

func readMessageFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("--file required")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeCmd() *cobra.Command {
	var (
		file string
		opts engine.WriteOptions
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write one workflow message directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readMessageFile(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Dispatcher()
				if err != nil {
					return err
				}
				msg, err := d.Unwrapper.Unwrap(ctx, string(body))
				if err != nil {
					return err
				}
				res, writeErr := rt.Engine.Write(ctx, msg, opts)
				if err := printResult(res); err != nil {
					return err
				}
				return writeErr
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "message file, - for stdin")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "write declared files even for non-terminal granules")
	cmd.Flags().BoolVar(&opts.SkipWriteConstraints, "skip-write-constraints", false, "overwrite granules regardless of staleness")
	return cmd
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("execution %s, record types %v\n", res.ExecutionArn, res.RecordTypes)
	if len(res.Granules) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Granule", "Outcome", "Event", "Error"})
	for _, g := range res.Granules {
		tw.AppendRow(table.Row{g.GranuleID, g.Outcome, g.Event, g.Error})
	}
	tw.Render()
	return nil
}

func enqueueCmd() *cobra.Command {
	var file, queueDSN string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Put a message body on a local queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readMessageFile(file)
			if err != nil {
				return err
			}
			if queueDSN == "" {
				cfg, err := app.LoadConfig(runtimeOptions())
				if err != nil {
					return err
				}
				queueDSN = cfg.Consumer.Queue
			}
			q, err := queue.Build(queueDSN, 0)
			if err != nil {
				return err
			}
			if q == nil {
				return fmt.Errorf("--queue required")
			}
			defer q.Close()
			item := queue.Item{ID: uuid.NewString(), Body: string(body), EnqueuedAt: time.Now().UTC()}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if !q.Enqueue(ctx, item) {
				return fmt.Errorf("queue %s is full", queueDSN)
			}
			return printJSONOrLine(item, "enqueued "+item.ID)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "message file, - for stdin")
	cmd.Flags().StringVar(&queueDSN, "queue", "", "queue dsn (default consumer.queue)")
	return cmd
}

func consumeCmd() *cobra.Command {
	var (
		queueDSN string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Dispatch messages from a local queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, q, err := rt.Poller(queueDSN)
				if err != nil {
					return err
				}
				defer q.Close()
				if once {
					res, err := p.Drain(ctx)
					if perr := printBatch(res); perr != nil {
						return perr
					}
					return err
				}
				rt.Logger.Info("consumer started", "queue", queueDSN)
				return p.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&queueDSN, "queue", "", "queue dsn (default consumer.queue)")
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue and exit")
	return cmd
}

func printBatch(res dispatch.BatchResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Received", "Handled", "Requeued", "Dead-lettered"})
	tw.AppendRow(table.Row{res.Received, res.Handled, res.Requeued, res.DeadLettered})
	tw.Render()
	return nil
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as the SQS-triggered Lambda handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Dispatcher()
				if err != nil {
					return err
				}
				lambda.Start(d.HandleSQSEvent)
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var file, serverURL, token string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a message to a running ledger server",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readMessageFile(file)
			if err != nil {
				return err
			}
			client := ledgersdk.New(serverURL)
			client.BearerToken = token
			res, err := client.SubmitMessage(cmd.Context(), body)
			if err != nil {
				return err
			}
			if err := printJSONOrLine(res, fmt.Sprintf("message %s handled=%t %s", res.MessageID, res.Handled, res.Error)); err != nil {
				return err
			}
			if !res.Handled {
				return fmt.Errorf("message %s was not handled", res.MessageID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "message file, - for stdin")
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "ledger server url")
	cmd.Flags().StringVar(&token, "token", os.Getenv("INGESTLEDGER_TOKEN"), "bearer token")
	return cmd
}
