package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"cartsync/logging"
	"cartsync/stub"
)

// NewStubCommand 启动本地假店铺
func NewStubCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string
	var seed []string
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve an in-memory storefront for local testing",
		Long: `Serve an in-memory storefront that implements the add, change and
section read endpoints. Point --base-url of the other commands at it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if listen == "" {
				listen = cfg.Stub.Listen
			}
			logger := logging.NewStdLogger("[cartsync]").
				WithLevel(logging.ParseLevel(cfg.Log.Level)).
				WithOutput(cmd.ErrOrStderr())

			shop := stub.New(stub.Config{
				Currency:   cfg.Stub.Currency,
				AddPath:    cfg.Storefront.AddPath,
				ChangePath: cfg.Storefront.ChangePath,
				ReadPath:   cfg.Storefront.ReadPath,
				Logger:     logger.WithFields(logging.Component("stub")),
			})
			for _, id := range seed {
				shop.Seed(id, 1)
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return WrapExitError(ExitCommandError, "listen", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := newFormatter(rootOpts, cmd)
			if err := out.Success(listenInfo{URL: "http://" + ln.Addr().String()}); err != nil {
				_ = ln.Close()
				return err
			}
			return serve(ctx, &http.Server{Handler: shop.Handler(), ReadHeaderTimeout: 5 * time.Second}, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringSliceVar(&seed, "seed", nil, "variant ids to put in the cart at startup")
	return cmd
}

type listenInfo struct {
	URL string `json:"url"`
}

func (l listenInfo) String() string {
	return "stub storefront listening on " + l.URL
}

// serve 运行到 ctx 取消后优雅关闭
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
