// Package cli 是 cartsync 命令行：查看购物车、加购、改数量、监听事件以及启动本地假店铺
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"cartsync/app"
	"cartsync/config"
)

// RootOptions 全局参数
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	// BaseURL 覆盖配置中的店铺地址
	BaseURL string
}

// ValidFormats 支持的输出格式
var ValidFormats = []string{"text", "json"}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cartsync",
		Short: "Keep a storefront cart in sync with the server",
		Long: `cartsync submits cart mutations to a storefront, refetches the rendered
cart after every change and publishes cart events.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "storefront base URL")

	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewChangeCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStubCommand(opts))

	return cmd
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.BaseURL != "" {
		cfg.Storefront.BaseURL = opts.BaseURL
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openApp 加载配置并组装引擎，日志写到 stderr 以免污染 JSON 输出
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	a, err := app.New(ctx, cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "initialize", err)
	}
	return a, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
