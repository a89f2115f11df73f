// Command cartctl drives a locally cached cart that mirrors the server cart.
//
//	cartctl [flags] show
//	cartctl [flags] add <productId> <name> <price> [quantity]
//	cartctl [flags] update <productId> <quantity>
//	cartctl [flags] remove <productId>
//	cartctl [flags] clear
//	cartctl [flags] checkout <name> <street> <city> <zip> <country> <payment>
//	cartctl [flags] orders
//	cartctl [flags] logout
//	cartctl token <userId> [role]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/cart-checkout/internal/auth"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/cartclient"
	"github.com/vasiliy-maslov/cart-checkout/internal/cartsync"
	"github.com/vasiliy-maslov/cart-checkout/internal/config"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

var errUsage = errors.New("usage: cartctl [flags] show|add|update|remove|clear|checkout|orders|logout|token")

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cartctl", flag.ContinueOnError)
	server := fs.String("server", envOr("CARTCTL_SERVER", "http://localhost:3002"), "order service base URL")
	token := fs.String("token", os.Getenv("CARTCTL_TOKEN"), "bearer token; empty means anonymous")
	cachePath := fs.String("cache", envOr("CARTCTL_CACHE", "cart.db"), "local cart cache file")
	retries := fs.Int("retries", 3, "retry count for idempotent requests")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	if rest[0] == "token" {
		return mintToken(rest[1:])
	}

	client := cartclient.New(cartclient.Config{
		BaseURL:    *server,
		Token:      *token,
		RetryCount: *retries,
	})

	store, err := cartsync.OpenBoltStore(*cachePath)
	if err != nil {
		return err
	}
	defer store.Close()

	session := cartsync.SessionFunc(func() bool { return *token != "" })
	syncer := cartsync.New(store, client, session)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := syncer.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := syncer.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("Cart changes were not pushed")
		}
		_ = syncer.Close()
	}()

	switch cmd, params := rest[0], rest[1:]; cmd {
	case "show":
	case "add":
		if len(params) < 3 {
			return errUsage
		}
		price, err := decimal.NewFromString(params[2])
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", params[2], err)
		}
		quantity := 1
		if len(params) > 3 {
			if quantity, err = strconv.Atoi(params[3]); err != nil {
				return fmt.Errorf("invalid quantity %q: %w", params[3], err)
			}
		}
		if err := syncer.Add(ctx, cart.Item{ProductID: params[0], Name: params[1], Price: price, Quantity: quantity}); err != nil {
			return err
		}
	case "update":
		if len(params) != 2 {
			return errUsage
		}
		quantity, err := strconv.Atoi(params[1])
		if err != nil {
			return fmt.Errorf("invalid quantity %q: %w", params[1], err)
		}
		if err := syncer.Update(ctx, params[0], quantity); err != nil {
			return err
		}
	case "remove":
		if len(params) != 1 {
			return errUsage
		}
		if err := syncer.Remove(ctx, params[0]); err != nil {
			return err
		}
	case "clear":
		if err := syncer.Clear(ctx); err != nil {
			return err
		}
	case "checkout":
		return checkout(ctx, syncer, client, params)
	case "orders":
		return listOrders(ctx, client)
	case "logout":
		return syncer.Teardown(ctx)
	default:
		return errUsage
	}

	printCart(syncer)
	return nil
}

func checkout(ctx context.Context, syncer *cartsync.Synchronizer, client *cartclient.Client, params []string) error {
	if len(params) != 6 {
		return errUsage
	}
	// The server checks out its own copy of the cart.
	if err := syncer.Flush(ctx); err != nil {
		return err
	}

	key, err := uuid.NewV4()
	if err != nil {
		return err
	}

	created, err := client.CreateOrder(ctx, cartclient.CreateOrderRequest{
		ShippingAddress: order.ShippingAddress{
			Name:    params[0],
			Street:  params[1],
			City:    params[2],
			ZipCode: params[3],
			Country: params[4],
		},
		PaymentMethod: order.PaymentMethod(params[5]),
	}, key.String())
	if err != nil {
		return err
	}

	// The server emptied the cart as part of checkout.
	if err := syncer.Clear(ctx); err != nil {
		return err
	}

	fmt.Printf("order %s created: %d lines, total %s, status %s\n",
		created.ID, len(created.Items), created.TotalAmount.StringFixed(2), created.Status)
	return nil
}

func listOrders(ctx context.Context, client *cartclient.Client) error {
	orders, err := client.ListOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		fmt.Printf("%s  %-10s  %10s  %s\n", o.ID, o.Status, o.TotalAmount.StringFixed(2), o.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func printCart(syncer *cartsync.Synchronizer) {
	items := syncer.Items()
	if len(items) == 0 {
		fmt.Println("cart is empty")
		return
	}
	for _, it := range items {
		fmt.Printf("%-12s  %-24s  %3d x %8s = %9s\n",
			it.ProductID, it.Name, it.Quantity, it.Price.StringFixed(2), it.Subtotal().StringFixed(2))
	}
	fmt.Printf("%d items, total %s\n", syncer.TotalItems(), syncer.TotalPrice().StringFixed(2))
}

// mintToken signs a token with JWT_SECRET for local testing.
func mintToken(params []string) error {
	if len(params) < 1 {
		return errUsage
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return errors.New("JWT_SECRET is required")
	}

	role := ""
	if len(params) > 1 {
		role = params[1]
	}

	jwtService := auth.NewJWTService(config.JWTConfig{Secret: secret, Issuer: os.Getenv("JWT_ISSUER")})
	token, err := jwtService.Generate(auth.Principal{UserID: params[0], Role: role}, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
