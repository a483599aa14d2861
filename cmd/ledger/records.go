package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ingestledger/internal/app"
	"ingestledger/internal/domain"
	"ingestledger/internal/engine"
)

func optionalFlag(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

func collectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "collection", Short: "Manage collections"}
	var name, version string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				now := time.Now().UnixMilli()
				id, err := rt.Engine.Repo.InsertCollection(ctx, domain.Collection{Name: name, Version: version, CreatedAt: now, UpdatedAt: now})
				if err != nil {
					return err
				}
				return printJSONOrLine(map[string]any{"cumulus_id": id, "collectionId": domain.CollectionID(name, version)},
					fmt.Sprintf("collection %s stored as %d", domain.CollectionID(name, version), id))
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "collection name")
	add.Flags().StringVar(&version, "version", "", "collection version")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("version")
	cmd.AddCommand(add)
	return cmd
}

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "Manage providers"}
	var name, protocol, host string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				now := time.Now().UnixMilli()
				id, err := rt.Engine.Repo.InsertProvider(ctx, domain.Provider{
					Name:      name,
					Protocol:  optionalFlag(protocol),
					Host:      optionalFlag(host),
					CreatedAt: now,
					UpdatedAt: now,
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(map[string]any{"cumulus_id": id, "name": name}, fmt.Sprintf("provider %s stored as %d", name, id))
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "provider id")
	add.Flags().StringVar(&protocol, "protocol", "", "protocol, e.g. s3")
	add.Flags().StringVar(&host, "host", "", "host")
	_ = add.MarkFlagRequired("name")
	cmd.AddCommand(add)
	return cmd
}

func asyncOpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "async-op", Short: "Manage async operations"}
	var id, status, opType, description string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register an async operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				now := time.Now().UnixMilli()
				cumulusID, err := rt.Engine.Repo.InsertAsyncOperation(ctx, domain.AsyncOperation{
					ID:            id,
					Status:        status,
					OperationType: optionalFlag(opType),
					Description:   optionalFlag(description),
					CreatedAt:     now,
					UpdatedAt:     now,
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(map[string]any{"cumulus_id": cumulusID, "id": id}, fmt.Sprintf("async operation %s stored as %d", id, cumulusID))
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "async operation id")
	add.Flags().StringVar(&status, "status", "RUNNING", "status")
	add.Flags().StringVar(&opType, "type", "", "operation type")
	add.Flags().StringVar(&description, "description", "", "description")
	_ = add.MarkFlagRequired("id")
	cmd.AddCommand(add)
	return cmd
}

func granuleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "granule", Short: "Inspect granules"}
	var collection string
	show := &cobra.Command{
		Use:   "show <granule-id>",
		Short: "Show a granule with its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.LookupGranule(ctx, args[0], collection)
				if err != nil {
					return err
				}
				return printGranule(g)
			})
		},
	}
	show.Flags().StringVar(&collection, "collection", "", "collection id, name___version")
	cmd.AddCommand(show)
	return cmd
}

func printGranule(g engine.GranuleRecord) error {
	if viper.GetBool("json") {
		return printJSON(g)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Granule", "Collection", "Status", "Published", "Execution", "Files"})
	tw.AppendRow(table.Row{g.GranuleID, g.CollectionID, g.Status, g.Published, g.Execution, len(g.Files)})
	tw.Render()
	if len(g.Files) == 0 {
		return nil
	}
	files := table.NewWriter()
	files.SetOutputMirror(os.Stdout)
	files.AppendHeader(table.Row{"Bucket", "Key", "Size"})
	for _, f := range g.Files {
		size := ""
		if f.Size != nil {
			size = fmt.Sprint(*f.Size)
		}
		files.AppendRow(table.Row{f.Bucket, f.Key, size})
	}
	files.Render()
	return nil
}

func executionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "execution", Short: "Inspect executions"}
	show := &cobra.Command{
		Use:   "show <arn>",
		Short: "Show an execution and the granules it touched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				x, err := rt.Engine.LookupExecution(ctx, args[0])
				if err != nil {
					return err
				}
				granules, err := rt.Engine.ExecutionGranules(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"execution": x, "granules": granules})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Status", "Collection", "Duration", "Granules"})
				duration := ""
				if x.Duration != nil {
					duration = fmt.Sprintf("%.1fs", *x.Duration)
				}
				tw.AppendRow(table.Row{x.Name, x.Status, x.CollectionID, duration, strings.Join(granules, ", ")})
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(show)
	return cmd
}
