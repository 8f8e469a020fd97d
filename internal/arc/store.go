package arc

import (
	"context"
	"fmt"
)

// Store wires every service over one KV engine.
type Store struct {
	Files     *Files
	Bin       *Bin
	Shared    *Shared
	Revisions *Revisions
	History   *History
	AppData   *AppData
	Users     *Users

	namespaces map[string]Namespace
	logger     Logger
}

// NewStore opens every namespace on kv and builds the services.
func NewStore(ctx context.Context, kv KV, notifier Notifier, logger Logger, clock Clock, idGen IDGenerator) (*Store, error) {
	ns, err := openNamespaces(ctx, kv, Namespaces...)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	bin := NewBin(ns[NSBin], clock, logger)
	revisions := NewRevisions(ns[NSRevisions], clock, logger)
	users := NewUsers(ns[NSUsers], logger)
	files := &Files{
		files:       ns[NSFiles],
		tree:        ns[NSFileTree],
		media:       ns[NSMedia],
		permissions: ns[NSPermissions],
		bin:         bin,
		revisions:   revisions,
		users:       users,
		notifier:    notifier,
		logger:      logger,
		clock:       clock,
		idGen:       idGen,
	}
	shared := &Shared{ns: ns[NSShared], files: files, logger: logger}
	files.shared = shared

	return &Store{
		Files:     files,
		Bin:       bin,
		Shared:    shared,
		Revisions: revisions,
		Users:     users,
		History: &History{
			data:      ns[NSHistoryData],
			byUser:    ns[NSHistoryUser],
			bySpace:   ns[NSHistorySpace],
			byProject: ns[NSHistoryProject],
			byApp:     ns[NSHistoryApp],
			files:     files,
			notifier:  notifier,
			logger:    logger,
			clock:     clock,
			idGen:     idGen,
		},
		AppData: &AppData{
			ns:        ns[NSAppData],
			bin:       bin,
			revisions: revisions,
			notifier:  notifier,
			logger:    logger,
			clock:     clock,
			idGen:     idGen,
		},
		namespaces: ns,
		logger:     logger,
	}, nil
}

// Namespace returns an opened namespace by name, for backup and tooling.
func (s *Store) Namespace(name string) (Namespace, error) {
	ns, ok := s.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %s", ErrNotFound, name)
	}
	return ns, nil
}

// Close closes every namespace. The engine itself is closed by its owner.
func (s *Store) Close() error {
	var firstErr error
	for name, ns := range s.namespaces {
		if err := ns.Close(); err != nil {
			s.logger.Warn("closing namespace failed", "namespace", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
