package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cartsync/app"
	"cartsync/cart"
	"cartsync/storefront"
)

// NewShowCommand 拉取并显示购物车
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Fetch and print the cart",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				if _, err := a.Coordinator().Refresh(ctx); err != nil {
					return out.Failure(err, nil)
				}
				return printCart(a, out)
			})
		},
	}
}

type addOptions struct {
	quantity    int
	origin      string
	sellingPlan string
	properties  map[string]string
	email       string
	name        string
	message     string
}

// NewAddCommand 加购
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add <variant-id>",
		Short: "Add a variant to the cart",
		Long: `Add a variant to the cart and print the refetched cart.

Gift card recipients are sent when --recipient-email is set.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := storefront.AddPayload{
				Origin:      opts.origin,
				VariantID:   args[0],
				Quantity:    opts.quantity,
				SellingPlan: opts.sellingPlan,
				Properties:  opts.properties,
			}
			if opts.email != "" || opts.name != "" || opts.message != "" {
				payload.Recipient = &storefront.Recipient{Email: opts.email, Name: opts.name, Message: opts.message}
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				if err := a.Coordinator().SubmitAdd(ctx, payload); err != nil {
					return out.Failure(err, a.Notices().Records())
				}
				return printCart(a, out)
			})
		},
	}

	cmd.Flags().IntVarP(&opts.quantity, "quantity", "q", 1, "quantity to add")
	cmd.Flags().StringVar(&opts.origin, "origin", "", "form identifier")
	cmd.Flags().StringVar(&opts.sellingPlan, "selling-plan", "", "selling plan id")
	cmd.Flags().StringToStringVarP(&opts.properties, "property", "p", nil, "line item property (key=value)")
	cmd.Flags().StringVar(&opts.email, "recipient-email", "", "gift card recipient email")
	cmd.Flags().StringVar(&opts.name, "recipient-name", "", "gift card recipient name")
	cmd.Flags().StringVar(&opts.message, "recipient-message", "", "gift card message")
	return cmd
}

// NewChangeCommand 修改行数量
func NewChangeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "change <line> <quantity>",
		Short:         "Set the quantity of a cart line (0 removes it)",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := parseLine(args[0])
			if err != nil {
				return err
			}
			qty, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid quantity %q", args[1]), err)
			}
			return runChange(cmd, rootOpts, line, uint(qty))
		},
	}
}

// NewRemoveCommand 删除行
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <line>",
		Short:         "Remove a cart line",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := parseLine(args[0])
			if err != nil {
				return err
			}
			return runChange(cmd, rootOpts, line, 0)
		},
	}
}

func runChange(cmd *cobra.Command, rootOpts *RootOptions, line cart.LineIndex, qty uint) error {
	return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
		// 行号相对于服务端当前的购物车
		if _, err := a.Coordinator().Refresh(ctx); err != nil {
			return out.Failure(err, nil)
		}
		if _, ok := a.Store().Current().Line(line); !ok {
			out.VerboseLog("line %d no longer exists, nothing sent", line)
		}
		if err := a.Coordinator().SubmitLineChange(ctx, line, qty); err != nil {
			return out.Failure(err, a.Notices().Records())
		}
		return printCart(a, out)
	})
}

func parseLine(raw string) (cart.LineIndex, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid line %q: lines start at 1", raw), err)
	}
	return cart.LineIndex(n), nil
}

func withApp(cmd *cobra.Command, rootOpts *RootOptions, fn func(ctx context.Context, a *app.App, out *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, newFormatter(rootOpts, cmd))
}

func printCart(a *app.App, out *OutputFormatter) error {
	return out.Cart(NewCartView(a.Store().Current(), a.Notices().Records()))
}
