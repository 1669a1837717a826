package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/config"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
	"github.com/codelaboratoryltd/radiusd/pkg/store/httpstore"
	"github.com/codelaboratoryltd/radiusd/pkg/store/redisstore"
	"github.com/codelaboratoryltd/radiusd/pkg/store/sqlstore"
	"github.com/codelaboratoryltd/radiusd/pkg/store/ticketlog"
)

// backend bundles the collaborators served by one store
type backend struct {
	accounts store.AccountRepository
	clients  store.ClientRegistry
	tickets  store.TicketSink
	closer   func() error
}

func (b *backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

type clientWriter interface {
	PutClient(ctx context.Context, c *store.Client) error
}

// openBackend opens the configured store and registers the configured NAS
// clients with it
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	clients, err := cfg.RegistryClients()
	if err != nil {
		return nil, err
	}

	var b *backend
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory account store, accounts are lost on restart")
		b = &backend{
			accounts: store.NewMemoryAccounts(),
			clients:  store.NewMemoryClients(clients...),
			tickets:  store.NewMemoryTickets(),
		}

	case config.BackendRedis:
		s, err := redisstore.Dial(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		if err != nil {
			return nil, err
		}
		b = &backend{accounts: s, clients: s, tickets: s, closer: s.Close}
		err = putClients(ctx, s, clients)
		if err != nil {
			b.Close()
			return nil, err
		}

	case config.BackendSQL:
		s, err := sqlstore.Open(cfg.Store.SQL.Path)
		if err != nil {
			return nil, err
		}
		b = &backend{accounts: s, clients: s, tickets: s, closer: s.Close}
		err = putClients(ctx, s, clients)
		if err != nil {
			b.Close()
			return nil, err
		}

	case config.BackendHTTP:
		s := httpstore.New(httpstore.Config{
			BaseURL:          cfg.Store.HTTP.BaseURL,
			Token:            cfg.Store.HTTP.Token,
			Timeout:          cfg.Store.HTTP.Timeout,
			FailureThreshold: cfg.Store.HTTP.FailureThreshold,
			OpenTimeout:      cfg.Store.HTTP.OpenTimeout,
		}, logger.Named("httpstore"))
		b = &backend{accounts: s, clients: s, tickets: s}
		// the remote registry is read-only; local clients take its place
		if len(clients) > 0 {
			b.clients = store.NewMemoryClients(clients...)
		}

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}

	if cfg.Tickets.Dir != "" {
		if err := b.journal(cfg.Tickets, logger); err != nil {
			b.Close()
			return nil, err
		}
	}

	logger.Info("Opened account store",
		zap.String("backend", cfg.Store.Backend),
		zap.Int("clients", len(clients)),
		zap.Bool("ticket_log", cfg.Tickets.Dir != ""),
	)
	return b, nil
}

// journal tees tickets into a local rotated file next to the store
func (b *backend) journal(cfg config.TicketLogConfig, logger *zap.Logger) error {
	w, err := ticketlog.Open(ticketlog.Config{
		Directory:    cfg.Dir,
		MaxSizeBytes: cfg.MaxSizeMB * 1024 * 1024,
		MaxAge:       cfg.MaxAge,
		MaxFiles:     cfg.MaxFiles,
		Compress:     cfg.Compress,
	}, logger.Named("tickets"))
	if err != nil {
		return err
	}

	b.tickets = store.TeeTickets{b.tickets, w}
	closeStore := b.closer
	b.closer = func() error {
		err := w.Close()
		if closeStore != nil {
			err = errors.Join(err, closeStore())
		}
		return err
	}
	return nil
}

func putClients(ctx context.Context, w clientWriter, clients []*store.Client) error {
	for _, c := range clients {
		if err := w.PutClient(ctx, c); err != nil {
			return fmt.Errorf("register client %s: %w", c.Name, err)
		}
	}
	return nil
}
