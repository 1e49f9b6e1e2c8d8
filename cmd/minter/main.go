package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"minter/internal/api"
	"minter/internal/auction"
	"minter/internal/config"
	"minter/internal/events"
	"minter/internal/logging"
	"minter/internal/shutdown"
	"minter/internal/state"
	"minter/internal/store"
	"minter/internal/validation"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool

	// serve 参数
	port int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "minter",
		Short: "代币账本与拍卖服务",
		Long:  `管理员铸造的代币账本，支持公开拍卖和盲拍，中标者领取时完成付款和物品转移`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP服务",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "覆盖配置中的服务端口")

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "查看已保存的状态",
		RunE:  showState,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "管理数据库中的配置覆盖项（需要设置 " + config.DatabaseDSNEnv + "）",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出配置覆盖项",
		RunE:  listConfig,
	}, &cobra.Command{
		Use:   "set <key> <value>",
		Short: "写入配置覆盖项",
		Args:  cobra.ExactArgs(2),
		RunE:  setConfig,
	}, &cobra.Command{
		Use:   "keys",
		Short: "列出可覆盖的配置键",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range config.OverridableKeys() {
				fmt.Println(key)
			}
			return nil
		},
	})

	rootCmd.AddCommand(serveCmd, stateCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// newLogger 按配置创建日志器，--verbose 强制为debug
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger, err := logging.NewLogrusLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger, nil
}

// configPath 配置文件不存在时只使用默认值和环境变量
func configPath() string {
	if _, err := os.Stat(configFile); err != nil {
		return ""
	}
	return configFile
}

// openStore bbolt路径为空时只在内存中保存状态
func openStore(cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	if cfg.Store == nil || cfg.Store.Path == "" {
		logger.Warn("未配置 store.path，状态只保存在内存中")
		return store.NewMemoryStore(), nil
	}
	timeout, err := cfg.StoreTimeout()
	if err != nil {
		return nil, err
	}
	return store.NewBoltStore(cfg.Store.Path, timeout, logger)
}

func openArchive(cfg *config.Config, logger *logrus.Logger) (store.Archive, error) {
	if cfg.Archive == nil || cfg.Archive.DSN == "" {
		return store.NewMemoryArchive(), nil
	}
	return store.NewPostgresArchive(cfg.Archive.DSN, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("创建日志器失败: %w", err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("创建事件发布器失败: %w", err)
	}

	archive, err := openArchive(cfg, logger)
	if err != nil {
		publisher.Close()
		st.Close()
		return fmt.Errorf("连接结算归档失败: %w", err)
	}

	machine, err := state.NewMachine(cfg, st, publisher, archive, auction.SystemClock{}, logger)
	if err != nil {
		archive.Close()
		publisher.Close()
		st.Close()
		return fmt.Errorf("恢复状态失败: %w", err)
	}

	validator := validation.NewValidator(logger, cfg.Engine.StrictAddress)
	server := api.NewServer(machine, cfg, validator, logger)

	if os.Getenv(config.DatabaseDSNEnv) != "" {
		dbConfig, err := openDatabaseConfig()
		if err != nil {
			logger.Warnf("配置数据库不可用，配置管理接口未启用: %v", err)
		} else {
			defer dbConfig.Close()
			server.SetConfigManager(api.NewConfigManager(dbConfig, logger))
		}
	}

	timeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return err
	}
	manager := shutdown.NewManager(timeout, logger)
	manager.Register("http", shutdown.OrderStopServer, server.Stop)
	manager.Register("state", shutdown.OrderSaveState, func(ctx context.Context) error {
		return machine.Flush()
	})
	manager.Register("machine", shutdown.OrderCloseStores, func(ctx context.Context) error {
		return machine.Close()
	})

	stop := make(chan error, 1)
	go func() {
		stop <- server.Start()
	}()

	return manager.Wait(cmd.Context(), stop)
}

// showState 显示已保存状态的概要
func showState(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger.SetLevel(logrus.WarnLevel)

	timeout, err := cfg.StoreTimeout()
	if err != nil {
		return err
	}
	bolt, err := store.NewBoltStore(cfg.Store.Path, timeout, logger)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	defer bolt.Close()

	stats, err := bolt.Stats()
	if err != nil {
		return err
	}
	snapshot, found, err := bolt.LoadSnapshot()
	if err != nil {
		return err
	}

	fmt.Println("状态信息")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("%-20s: %s\n", "数据库", stats.Path)
	if !found {
		fmt.Println("尚未保存任何状态")
		return nil
	}
	fmt.Printf("%-20s: %s\n", "保存时间", stats.SavedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("%-20s: %s\n", "管理员", snapshot.Admin.Hex())
	fmt.Printf("%-20s: %s\n", "总供应量", snapshot.TotalSupply.Dec())
	fmt.Printf("%-20s: %d\n", "账户数", stats.Accounts)
	fmt.Printf("%-20s: %d\n", "物品数", stats.Items)
	fmt.Printf("%-20s: %d\n", "拍卖数", stats.Auctions)
	fmt.Printf("%-20s: %d\n", "出价数", stats.Bids)

	claimed := 0
	for _, a := range snapshot.Auctions {
		if a.Claimed {
			claimed++
		}
	}
	fmt.Printf("%-20s: %d\n", "已结算拍卖", claimed)
	return nil
}

func openDatabaseConfig() (*config.DatabaseConfig, error) {
	dsn := os.Getenv(config.DatabaseDSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("未设置 %s", config.DatabaseDSNEnv)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	dbConfig, err := config.NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := dbConfig.EnsureSchema(); err != nil {
		dbConfig.Close()
		return nil, err
	}
	return dbConfig, nil
}

func listConfig(cmd *cobra.Command, args []string) error {
	dbConfig, err := openDatabaseConfig()
	if err != nil {
		return err
	}
	defer dbConfig.Close()

	configs, err := dbConfig.ListConfigs()
	if err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	keys := make([]string, 0, len(configs))
	for k := range configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-28s: %s\n", k, configs[k])
	}
	return nil
}

func setConfig(cmd *cobra.Command, args []string) error {
	dbConfig, err := openDatabaseConfig()
	if err != nil {
		return err
	}
	defer dbConfig.Close()

	if err := dbConfig.UpdateConfig(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("已更新 %s，重启服务后生效\n", args[0])
	return nil
}
