package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"realtime-sync/internal/store"
	"realtime-sync/internal/synccore"
)

func newSnapshotCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage the offline substrate snapshot",
	}
	cmd.AddCommand(newSnapshotSaveCommand(root))
	cmd.AddCommand(newSnapshotLoadCommand(root))
	cmd.AddCommand(newSnapshotInfoCommand(root))
	cmd.AddCommand(newSnapshotClearCommand(root))
	return cmd
}

// withStore 打开快照存储执行 fn，结束后关闭
func withStore(cmd *cobra.Command, root *rootOptions, fn func(s *store.SnapshotStore) error) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	s, err := synccore.OpenStore(cmd.Context(), cfg, synccore.CredentialSource(cfg), logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newSnapshotSaveCommand(root *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Fetch a full export and replace the local snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return commandError(errors.New("--user is required"))
			}
			return withStore(cmd, root, func(s *store.SnapshotStore) error {
				info, err := s.SaveSnapshot(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), root.format, info)
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id to export")
	return cmd
}

// snapshotView 输出用；Data 解成普通值，yaml 也能读
type snapshotView struct {
	Present       bool      `json:"present" yaml:"present"`
	UserID        string    `json:"userId,omitempty" yaml:"userId,omitempty"`
	CachedAt      time.Time `json:"cachedAt,omitempty" yaml:"cachedAt,omitempty"`
	SchemaVersion string    `json:"schemaVersion,omitempty" yaml:"schemaVersion,omitempty"`
	ExportedAt    string    `json:"exportedAt,omitempty" yaml:"exportedAt,omitempty"`
	Data          any       `json:"data,omitempty" yaml:"data,omitempty"`
}

func newSnapshotLoadCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Print the local snapshot (works offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(s *store.SnapshotStore) error {
				snap, ok := s.LoadSnapshot(cmd.Context())
				view := snapshotView{Present: ok}
				if ok {
					view.UserID = snap.UserID
					view.CachedAt = snap.CachedAt
					view.SchemaVersion = snap.SchemaVersion
					view.ExportedAt = snap.ExportedAt
					if err := json.Unmarshal(snap.Data, &view.Data); err != nil {
						return err
					}
				}
				return writeOutput(cmd.OutOrStdout(), root.format, view)
			})
		},
	}
}

func newSnapshotInfoCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show snapshot metadata without decoding the payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(s *store.SnapshotStore) error {
				return writeOutput(cmd.OutOrStdout(), root.format, s.CacheInfo(cmd.Context()))
			})
		},
	}
}

func newSnapshotClearCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the local snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(s *store.SnapshotStore) error {
				if err := s.ClearSnapshot(cmd.Context()); err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), root.format, map[string]bool{"cleared": true})
			})
		},
	}
}
