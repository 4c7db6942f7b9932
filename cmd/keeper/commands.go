// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/HearthLocal/pkg/logging"
	"github.com/AleutianAI/HearthLocal/services/keeper"
	"github.com/AleutianAI/HearthLocal/services/keeper/config"
	"github.com/AleutianAI/HearthLocal/services/keeper/history"
)

var (
	snapshotMessage string
	historyLimit    int
	historyQuery    string
	pruneRetain     int

	rootCmd = &cobra.Command{
		Use:   "keeper",
		Short: "Versioned, validated configuration management for a Home Assistant hub",
		Long: `Keeper owns a Home Assistant YAML configuration tree. Every change
goes through snapshot, edit, validate, reload, commit; anything the
hub rejects is rolled back to the byte-exact previous state.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the keeper HTTP API",
		RunE:  runServe,
	}

	// The remaining commands operate on the snapshot store directly,
	// without a running hub. Useful for recovery from a dead instance.
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Record a snapshot of the configuration tree",
		RunE:  runSnapshot,
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recorded snapshots, most recent first",
		RunE:  runHistory,
	}
	restoreCmd = &cobra.Command{
		Use:   "restore [snapshot-id]",
		Short: "Restore the tree to a snapshot, byte for byte",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}
	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Drop old snapshots, keeping the newest N",
		RunE:  runPrune,
	}
	diffCmd = &cobra.Command{
		Use:   "diff [from-id] [to-id]",
		Short: "Compare two snapshots by file",
		Args:  cobra.ExactArgs(2),
		RunE:  runDiff,
	}
)

func init() {
	snapshotCmd.Flags().StringVarP(&snapshotMessage, "message", "m", "manual snapshot", "Snapshot description")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum snapshots to list (0 for all)")
	historyCmd.Flags().StringVar(&historyQuery, "find", "", "Filter by message substring")
	pruneCmd.Flags().IntVar(&pruneRetain, "retain", 50, "Number of snapshots to keep")

	rootCmd.AddCommand(serveCmd, snapshotCmd, historyCmd, restoreCmd, pruneCmd, diffCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "keeper",
		JSON:    true,
	})
	defer logger.Close()

	svc, err := keeper.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Snapshot(cmd.Context(), snapshotMessage)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var snaps []history.Snapshot
	if historyQuery != "" {
		snaps, err = store.Find(cmd.Context(), historyQuery)
	} else {
		snaps, err = store.History(cmd.Context(), historyLimit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tMESSAGE")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Timestamp.Format("2006-01-02 15:04:05"), s.Message)
	}
	return w.Flush()
}

func runRestore(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Restore(cmd.Context(), history.SnapshotID(args[0])); err != nil {
		return err
	}
	fmt.Printf("restored %s\n", args[0])
	fmt.Println("note: a running hub will not see the restored files until it reloads")
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Prune(cmd.Context(), pruneRetain); err != nil {
		return err
	}
	fmt.Printf("pruned to %d snapshots\n", pruneRetain)
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Diff(cmd.Context(), history.SnapshotID(args[0]), history.SnapshotID(args[1]))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no differences")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Change, e.Path)
	}
	return w.Flush()
}

// openStore builds a store from the same configuration the server
// uses, logging to stderr only.
func openStore() (*history.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: "keeper",
	})
	return history.NewStore(history.Config{
		TreeRoot:       cfg.TreeRoot,
		DataDir:        cfg.DataDir,
		IgnorePatterns: cfg.IgnorePatterns,
		Logger:         logger.Slog(),
	})
}
