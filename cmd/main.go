package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/billing/cache"
	"github.com/code-payments/flipchat-billing/billing/memory"
	"github.com/code-payments/flipchat-billing/billing/rpc"
	"github.com/code-payments/flipchat-billing/event"
	"github.com/code-payments/flipchat-billing/flags"
	"github.com/code-payments/flipchat-billing/iap"
	iaprsa "github.com/code-payments/flipchat-billing/iap/rsa"
)

func main() {
	cfg, err := flags.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := zap.Must(zap.NewDevelopment())
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch cfg.Mode {
	case flags.ModeSandbox:
		err = runSandbox(ctx, logger, cfg)
	default:
		err = runInspect(ctx, logger, cfg)
	}
	if err != nil {
		logger.Fatal("Billing command failed", zap.String("mode", cfg.Mode), zap.Error(err))
	}
}

// runInspect connects to a billing endpoint and prints the reconciled
// inventory, optionally consuming every owned in-app purchase.
func runInspect(ctx context.Context, logger *zap.Logger, cfg *flags.Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var clientOpts []rpc.ClientOption
	if cfg.RequestsPerSecond > 0 {
		clientOpts = append(clientOpts, rpc.WithRateLimit(rate.Limit(cfg.RequestsPerSecond), 1))
	}
	base := rpc.NewConnector(cfg.Endpoint, nil, clientOpts...)
	connector := billing.ConnectorFunc(func(ctx context.Context) (billing.RemoteService, error) {
		svc, err := base.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewInCache(svc, 10*time.Minute), nil
	})

	bus := billing.NewEventBus()
	events := event.NewChanStream[billing.Event, string]("inspect", 64, func(e billing.Event) (string, bool) {
		return fmt.Sprintf("%s: %s", e.Kind, e.Response.Description()), true
	})
	bus.AddHandler(event.StreamHandler[string, billing.Event](events, time.Second))
	go func() {
		for line := range events.Channel() {
			logger.Info("Billing event", zap.String("event", line))
		}
	}()
	defer events.Close()
	defer bus.Close()

	reg := prometheus.NewRegistry()
	session, err := billing.NewSessionWithKey(cfg.PackageName, cfg.PublicKey, connector,
		billing.WithLogger(logger),
		billing.WithMetrics(reg),
		billing.WithEventBus(bus),
	)
	if err != nil {
		return err
	}
	defer session.Dispose()

	res, err := session.Connect(ctx)
	if err != nil {
		return err
	}
	if res.IsFailure() {
		return res
	}
	fmt.Printf("connected: inapp=%t subs=%t\n", session.InAppSupported(), session.SubscriptionsSupported())

	inv, err := session.QueryInventory(ctx, billing.QueryParams{
		FetchSkuDetails:       cfg.FetchSkuDetails,
		ExtraInAppSkus:        cfg.ExtraInAppSkus,
		ExtraSubscriptionSkus: cfg.ExtraSubscriptionSkus,
	})
	if billing.ResponseOf(err) == billing.SignatureVerificationFailed {
		logger.Warn("Some purchases failed signature verification and were skipped")
	} else if err != nil {
		return err
	}
	printInventory(inv)
	defer printMetrics(reg)

	if !cfg.ConsumeAll {
		return nil
	}

	var consumable []*iap.Purchase
	for _, p := range inv.AllPurchases() {
		if p.ItemType() == iap.ItemTypeInApp {
			consumable = append(consumable, p)
		}
	}
	results, err := session.ConsumeAll(ctx, consumable)
	if err != nil {
		return err
	}
	for i, res := range results {
		fmt.Printf("consume %s: %s\n", consumable[i].Sku(), res.Response.Description())
	}
	return nil
}

func printMetrics(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%s{%s} %v\n", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%s{%s} %v\n", mf.GetName(), strings.Join(labels, ","), m.GetGauge().GetValue())
			}
		}
	}
}

func printInventory(inv *iap.Inventory) {
	for _, p := range inv.AllPurchases() {
		fmt.Printf("owned %-6s %-24s state=%-9s receipt=%s time=%s\n",
			p.ItemType(), p.Sku(), p.PurchaseState(), p.ReceiptIDString(), p.PurchaseTime().Format(time.RFC3339))
	}
	for _, d := range inv.AllSkuDetails() {
		price := d.Price()
		if d.CurrencyCode() != "" {
			price = fmt.Sprintf("%s (%s %s)", price, d.PriceAmount().String(), d.CurrencyCode())
		}
		fmt.Printf("sku   %-6s %-24s %s %q\n", d.ItemType(), d.Sku(), price, d.Title())
	}
}

// runSandbox serves an in-memory billing service stocked with the reserved
// test skus, signing receipts with a fresh RSA key.
func runSandbox(ctx context.Context, logger *zap.Logger, cfg *flags.Config) error {
	signer, err := iaprsa.GenerateSigner()
	if err != nil {
		return err
	}
	publicKey, err := signer.EncodePublicKey()
	if err != nil {
		return err
	}

	svc := memory.NewService(cfg.PackageName, signer)
	for _, d := range []*iap.SkuDetails{iap.TestSkuPurchased, iap.TestSkuCanceled, iap.TestSkuRefunded, iap.TestSkuUnavailable} {
		if err := svc.AddProduct(memory.Product{
			Sku:         d.Sku(),
			ItemType:    d.ItemType(),
			Title:       d.Title(),
			Description: d.Description(),
		}); err != nil {
			return err
		}
	}
	for _, sku := range cfg.ExtraInAppSkus {
		if err := svc.AddProduct(memory.Product{Sku: sku, ItemType: iap.ItemTypeInApp, Title: sku}); err != nil {
			return err
		}
	}
	for _, sku := range cfg.ExtraSubscriptionSkus {
		if err := svc.AddProduct(memory.Product{Sku: sku, ItemType: iap.ItemTypeSubscription, Title: sku}); err != nil {
			return err
		}
	}
	if _, err := svc.Grant(iap.TestSkuPurchased.Sku(), ""); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	serv := rpc.NewGRPCServer(logger, svc)
	go func() {
		<-ctx.Done()
		serv.GracefulStop()
	}()

	logger.Info("Serving sandbox billing service",
		zap.String("addr", lis.Addr().String()),
		zap.String("package", cfg.PackageName),
	)
	fmt.Printf("BILLING_PUBLIC_KEY=%s\n", publicKey)
	return serv.Serve(lis)
}
