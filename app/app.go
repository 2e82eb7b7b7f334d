// Package app 按配置组装购物车同步引擎：事件总线、快照存储、店铺客户端、
// 抽屉、协调器、标记存储以及可选的远端事件转发。
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"cartsync/cart"
	"cartsync/config"
	"cartsync/coordinator"
	"cartsync/drawer"
	"cartsync/events"
	"cartsync/flagstore"
	"cartsync/logging"
	"cartsync/messaging"
	"cartsync/messaging/transport/natsjetstream"
	"cartsync/messaging/transport/redisstreams"
	"cartsync/notice"
	"cartsync/retry"
	"cartsync/storefront"
)

// Options 组装时可替换的外部依赖，零值即可
type Options struct {
	// LogOutput 日志输出，默认 stderr
	LogOutput io.Writer
	Logger    logging.Logger

	HTTPClient *http.Client
	Focus      drawer.FocusTrap

	// Remote 替换按配置创建的远端传输
	Remote messaging.Transport
}

// App 组装后的引擎
type App struct {
	cfg    *config.Config
	logger logging.Logger

	bus      *events.Bus
	store    *cart.Store
	client   *storefront.Client
	drawer   *drawer.Drawer
	coord    *coordinator.Coordinator
	notices  *notice.Handler
	flags    flagstore.Store
	reopener *flagstore.Reopener
	relay    *events.Relay

	remoteSub *events.Subscription
}

// New 按配置创建引擎，不发出任何网络请求（远端转发在 Start 中连接）
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		std := logging.NewStdLogger("[cartsync]").WithLevel(logging.ParseLevel(cfg.Log.Level))
		if opts.LogOutput != nil {
			std = std.WithOutput(opts.LogOutput)
		}
		logger = std
	}

	a := &App{cfg: cfg, logger: logger.WithFields(logging.Component("app"))}

	bus, err := events.NewLocalBus(ctx, logger.WithFields(logging.Component("events")))
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	a.bus = bus
	a.store = cart.NewStore(logger.WithFields(logging.Component("store")))
	a.notices = notice.NewHandler(logger.WithFields(logging.Component("notice")))

	sf := cfg.Storefront
	a.client, err = storefront.NewClient(storefront.Config{
		BaseURL:    sf.BaseURL,
		AddPath:    sf.AddPath,
		ChangePath: sf.ChangePath,
		ReadPath:   sf.ReadPath,
		HTTPClient: opts.HTTPClient,
		Logger:     logger.WithFields(logging.Component("storefront")),
	})
	if err != nil {
		return nil, err
	}

	a.drawer, err = drawer.New(bus, drawer.Config{
		Target:        cfg.Drawer.Target,
		UnlockDelay:   cfg.Drawer.UnlockDelay,
		SettleTimeout: cfg.Drawer.SettleTimeout,
		Focus:         opts.Focus,
		Logger:        logger.WithFields(logging.Component("drawer")),
	})
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Cart.RefreshAttempts
	if cfg.Cart.RetryDelay > 0 {
		retryCfg.InitialDelay = cfg.Cart.RetryDelay
	}
	a.coord, err = coordinator.New(coordinator.Deps{
		Client:    a.client,
		Store:     a.store,
		Bus:       bus,
		Notices:   a.notices,
		Presenter: a.drawer,
	}, coordinator.Config{
		SectionID:      sf.SectionID,
		Mode:           coordinator.Mode(cfg.Cart.Type),
		RequestTimeout: sf.RequestTimeout,
		Retry:          retryCfg,
		Logger:         logger.WithFields(logging.Component("coordinator")),
	})
	if err != nil {
		_ = a.drawer.Detach()
		return nil, err
	}

	a.flags, err = flagstore.Open(ctx, flagstore.Config{
		Backend:    cfg.Flags.Backend,
		SQLitePath: cfg.Flags.SQLitePath,
		RedisAddr:  cfg.Flags.RedisAddr,
		Logger:     logger,
	})
	if err != nil {
		a.coord.Close()
		_ = a.drawer.Detach()
		return nil, fmt.Errorf("open flag store: %w", err)
	}
	a.reopener = flagstore.NewReopener(a.flags, cfg.Flags.NotifyTTL, logger.WithFields(logging.Component("flagstore")))
	a.reopener.PurgeExpired(ctx)

	remote := opts.Remote
	if remote == nil {
		remote, err = newRemote(cfg.Relay, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	if remote != nil {
		outbound, _ := events.ParseNames(cfg.Relay.Outbound)
		inbound, _ := events.ParseNames(cfg.Relay.Inbound)
		a.relay = events.NewRelay(bus, remote, events.RelayConfig{
			Outbound: outbound,
			Inbound:  inbound,
			Logger:   logger.WithFields(logging.Component("relay")),
		})
	}
	return a, nil
}

func newRemote(cfg config.RelayConfig, logger logging.Logger) (messaging.Transport, error) {
	switch cfg.Backend {
	case config.RelayNATS:
		return natsjetstream.NewTransport(natsjetstream.Config{
			URL:    cfg.NATSURL,
			Stream: cfg.Stream,
			Logger: logger.WithFields(logging.Component("transport.nats")),
		}), nil
	case config.RelayRedis:
		t, err := redisstreams.NewTransport(redisstreams.Config{
			Addr:         cfg.RedisAddr,
			StreamPrefix: cfg.Stream,
			Logger:       logger.WithFields(logging.Component("transport.redisstreams")),
		})
		if err != nil {
			return nil, fmt.Errorf("create redis relay: %w", err)
		}
		return t, nil
	default:
		return nil, nil
	}
}

// Start 连接远端转发，并在其他会话的购物车变化转入时刷新本地快照
func (a *App) Start(ctx context.Context) error {
	if a.relay == nil {
		return nil
	}
	sub, err := a.bus.SubscribeAll(func(ctx context.Context, p events.Payload, msg messaging.IMessage) error {
		if p.EventName() != events.CartAdded || !messaging.IsRelayed(msg) {
			return nil
		}
		if _, err := a.coord.Refresh(ctx); err != nil {
			a.logger.Warn(ctx, "refresh after remote change failed", logging.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.remoteSub = sub
	if err := a.relay.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	stats := a.relay.Stats()
	a.logger.Info(ctx, "event relay started",
		logging.String("backend", a.cfg.Relay.Backend),
		logging.Int("handlers", stats.HandlerCount))
	return nil
}

// RelayStats 远端传输的统计信息；未配置转发时 ok 为 false
func (a *App) RelayStats() (stats messaging.TransportStats, ok bool) {
	if a.relay == nil {
		return messaging.TransportStats{}, false
	}
	return a.relay.Stats(), true
}

// Config 生效的配置
func (a *App) Config() *config.Config { return a.cfg }

// Bus 事件总线
func (a *App) Bus() *events.Bus { return a.bus }

// Store 快照存储
func (a *App) Store() *cart.Store { return a.store }

// Coordinator 请求协调器
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Drawer 抽屉
func (a *App) Drawer() *drawer.Drawer { return a.drawer }

// Notices 内联错误
func (a *App) Notices() *notice.Handler { return a.notices }

// Logger 根 Logger
func (a *App) Logger() logging.Logger { return a.logger }

// RememberNotify 记录“到货通知”表单已提交，页面重新加载后由 RestorePopups 重新打开弹层
func (a *App) RememberNotify(ctx context.Context, formID string) error {
	return a.reopener.Remember(ctx, formID)
}

// RestorePopups 对仍有标记的表单发布 popup:open，返回重新打开的表单
func (a *App) RestorePopups(ctx context.Context, formIDs ...string) []string {
	var opened []string
	for _, id := range formIDs {
		if !a.reopener.ShouldReopen(ctx, id) {
			continue
		}
		if err := a.bus.Publish(ctx, events.PopupOpened{Source: id}); err != nil {
			a.logger.Warn(ctx, "reopen popup failed", logging.String("form", id), logging.Error(err))
			continue
		}
		opened = append(opened, id)
	}
	return opened
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.remoteSub != nil {
		keep(a.remoteSub.Close())
	}
	if a.relay != nil {
		keep(a.relay.Close())
	}
	if a.flags != nil {
		keep(a.flags.Close())
	}
	if a.coord != nil {
		a.coord.Close()
	}
	if a.drawer != nil {
		keep(a.drawer.Detach())
	}
	return firstErr
}
