package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"backd/internal/config"
	"backd/internal/progress"
	"backd/internal/protocols/compound"
	"backd/internal/state"
)

var (
	// 快照参数
	keep       int
	atBlock    uint64
	exportPath string

	// 排行参数
	count  int
	rankBy string
	usd    bool
)

func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "管理状态快照",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出快照",
		RunE:  listSnapshots,
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "只保留最近的快照",
		RunE:  pruneSnapshots,
	}
	pruneCmd.Flags().IntVar(&keep, "keep", 1, "保留的快照数")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "导出快照 JSON",
		RunE:  exportSnapshot,
	}
	exportCmd.Flags().Uint64Var(&atBlock, "block", 0, "导出不晚于该区块的快照，0 表示最新")
	exportCmd.Flags().StringVar(&exportPath, "out", "", "输出文件，默认标准输出")

	snapshotCmd.AddCommand(listCmd, pruneCmd, exportCmd)
	return snapshotCmd
}

func newTopUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top-users",
		Short: "按仓位价值列出用户",
		RunE:  showTopUsers,
	}
	cmd.Flags().IntVar(&count, "count", 10, "显示的用户数，0 表示全部")
	cmd.Flags().StringVar(&rankBy, "by", compound.RankByBorrowed, "排序依据 (supplied, borrowed, shortfall)")
	cmd.Flags().BoolVar(&usd, "usd", true, "按美元计价，否则按 ETH")
	cmd.Flags().Uint64Var(&atBlock, "block", 0, "使用不晚于该区块的快照，0 表示最新")
	return cmd
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "查看重放进度",
		RunE:  showProgress,
	}
}

// openStore 只读打开快照库
func openStore() (*config.Config, *progress.Manager, *logrus.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := progress.OpenReadOnly(cfg.Snapshot.Path, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, logger, nil
}

// readSnapshot block 为 0 时读取最新快照
func readSnapshot(store *progress.Manager, block uint64) (state.EventTime, []byte, error) {
	var (
		at    state.EventTime
		data  []byte
		found bool
		err   error
	)
	if block == 0 {
		at, data, found, err = store.LatestSnapshot(compound.ProtocolName)
	} else {
		at, data, found, err = store.SnapshotAtBlock(compound.ProtocolName, block)
	}
	if err != nil {
		return at, nil, err
	}
	if !found {
		return at, nil, fmt.Errorf("没有可用的快照")
	}
	return at, data, nil
}

func listSnapshots(cmd *cobra.Command, args []string) error {
	_, store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots, err := store.ListSnapshots(compound.ProtocolName)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Println("没有快照")
		return nil
	}

	fmt.Printf("%-30s %12s\n", "位置 (区块, 交易, 日志)", "大小")
	fmt.Println(strings.Repeat("-", 44))
	for _, snapshot := range snapshots {
		fmt.Printf("%-30s %12d\n", snapshot.EventTime.String(), snapshot.Size)
	}
	return nil
}

func pruneSnapshots(cmd *cobra.Command, args []string) error {
	if keep < 1 {
		return fmt.Errorf("--keep 至少为 1")
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := progress.NewManager(cfg.Snapshot.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.PruneSnapshots(compound.ProtocolName, keep)
	if err != nil {
		return err
	}
	fmt.Printf("已删除 %d 个快照，保留最近 %d 个\n", removed, keep)
	return nil
}

func exportSnapshot(cmd *cobra.Command, args []string) error {
	_, store, logger, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	at, data, err := readSnapshot(store, atBlock)
	if err != nil {
		return err
	}

	if exportPath == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(exportPath, data, 0644); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"event_time": at.String(),
		"path":       exportPath,
		"bytes":      len(data),
	}).Info("快照已导出")
	return nil
}

func showTopUsers(cmd *cobra.Command, args []string) error {
	cfg, store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := compound.RegisterAliases(cfg.Oracles.Aliases, cfg.InterestRateModels.Aliases); err != nil {
		return err
	}
	at, data, err := readSnapshot(store, atBlock)
	if err != nil {
		return err
	}
	s := compound.NewState()
	s.InterestRateModels.SetFallback(cfg.InterestRateModels.Fallback)
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}

	ranks, err := s.TopUsers(count, rankBy, usd)
	if err != nil {
		return err
	}

	unit := "ETH"
	if usd {
		unit = "USD"
	}
	fmt.Printf("📊 用户排行 (按 %s, %s 计价, 快照 %s)\n", rankBy, unit, at.String())
	fmt.Println(strings.Repeat("=", 50))
	for i, rank := range ranks {
		fmt.Printf("%3d  %-44s  %s\n", i+1, rank.User, rank.Value.String())
		fmt.Printf("     存款 %s  借款 %s  抵押能力 %s\n",
			rank.Position.Supplied.String(), rank.Position.Borrowed.String(), rank.Position.Collateral.String())
	}
	if len(ranks) == 0 {
		fmt.Println("没有符合条件的用户")
	}
	return nil
}

func showProgress(cmd *cobra.Command, args []string) error {
	_, store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats := store.GetStats()
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Println("📊 重放进度信息")
	fmt.Println(strings.Repeat("=", 50))
	for _, key := range keys {
		fmt.Printf("%-20s: %v\n", key, stats[key])
	}
	return nil
}
