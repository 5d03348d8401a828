package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/driftpad/padsync/pkg/provider"
	"github.com/driftpad/padsync/pkg/store"
	"github.com/driftpad/padsync/pkg/store/sqlitestore"
	"github.com/driftpad/padsync/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "padsync.sqlite3", "the sqlite database file")
	flag.Parse()

	slog.Info("Opening database", "path", *dbVar)
	st, err := sqlitestore.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	s := &server{store: st, upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/docs/{doc}/log").HandlerFunc(s.readLog)
	r.Methods(http.MethodPost).Path("/docs/{doc}/log").HandlerFunc(s.appendLog)
	r.Methods(http.MethodPut).Path("/docs/{doc}/log").HandlerFunc(s.replaceLog)
	r.Methods(http.MethodGet).Path("/docs/{doc}/log/watch").HandlerFunc(s.watchLog)

	r.Methods(http.MethodGet).Path("/docs/{doc}/presence").HandlerFunc(s.readPresence)
	r.Methods(http.MethodPut).Path("/docs/{doc}/presence/{client}").HandlerFunc(s.writePresence)
	r.Methods(http.MethodDelete).Path("/docs/{doc}/presence/{client}").HandlerFunc(s.removePresence)
	r.Methods(http.MethodGet).Path("/docs/{doc}/presence/watch").HandlerFunc(s.watchPresence)
	r.Methods(http.MethodGet).Path("/docs/{doc}/presence/{client}/guard").HandlerFunc(s.guardPresence)

	r.Methods(http.MethodGet).Path("/feed").HandlerFunc(s.queryFeed)
	r.Methods(http.MethodPost).Path("/feed").HandlerFunc(s.createItem)
	r.Methods(http.MethodDelete).Path("/feed/{item}").HandlerFunc(s.deleteItem)
	r.Methods(http.MethodGet).Path("/feed/{item}/watch").HandlerFunc(s.watchItem)

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // buffer size 1 so the notifier is never blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	_ = httpServer.Close()
	wg.Wait()
	return nil
}

type server struct {
	store    *sqlitestore.Store
	upgrader websocket.Upgrader
}

func (s *server) readLog(writer http.ResponseWriter, request *http.Request) {
	doc := mux.Vars(request)["doc"]
	entries, err := s.store.ReadOrdered(request.Context(), provider.LogPath(doc))
	if err != nil {
		slog.Error("failed to read log", "doc", doc, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	out := make([]wire.LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.LogEntry{Key: e.Key, Blob: e.Blob})
	}
	writeJSON(writer, out)
}

func (s *server) appendLog(writer http.ResponseWriter, request *http.Request) {
	doc := mux.Vars(request)["doc"]
	var inputs wire.AppendRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		slog.Error("failed to decode body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	key, err := s.store.Append(request.Context(), provider.LogPath(doc), inputs.Blob)
	if err != nil {
		slog.Error("failed to append", "doc", doc, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, wire.AppendResponse{Key: key})
}

func (s *server) replaceLog(writer http.ResponseWriter, request *http.Request) {
	doc := mux.Vars(request)["doc"]
	var inputs wire.ReplaceRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		slog.Error("failed to decode body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.store.ReplaceAll(request.Context(), provider.LogPath(doc), inputs.Key, inputs.Blob); err != nil {
		slog.Error("failed to replace log", "doc", doc, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// watchLog streams log records over a websocket: full replay first, then
// every append, in key order. The subscription serializes callbacks so the
// single-writer rule for the socket holds.
func (s *server) watchLog(writer http.ResponseWriter, request *http.Request) {
	doc := mux.Vars(request)["doc"]
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	cancel, err := s.store.OnChildAdded(provider.LogPath(doc), func(e store.Entry) {
		if err := conn.WriteJSON(wire.LogEntry{Key: e.Key, Blob: e.Blob}); err != nil {
			_ = conn.Close()
		}
	})
	if err != nil {
		slog.Error("failed to subscribe to log", "doc", doc, "err", err)
		return
	}
	defer cancel()

	waitForClose(conn)
}

func (s *server) readPresence(writer http.ResponseWriter, request *http.Request) {
	doc := mux.Vars(request)["doc"]
	snap, err := s.store.Read(request.Context(), provider.PresencePath(doc))
	if err != nil {
		slog.Error("failed to read presence", "doc", doc, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, wire.PresenceSnapshot{Entries: snap})
}

func (s *server) writePresence(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	var inputs wire.PresenceWrite
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		slog.Error("failed to decode body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.store.Write(request.Context(), provider.PresencePath(vars["doc"]), vars["client"], inputs.State); err != nil {
		slog.Error("failed to write presence", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) removePresence(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	if err := s.store.Remove(request.Context(), provider.PresencePath(vars["doc"]), vars["client"]); err != nil {
		slog.Error("failed to remove presence", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) watchPresence(writer http.ResponseWriter, request *http.Request) {
	doc := mux.Vars(request)["doc"]
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	cancel, err := s.store.OnValue(provider.PresencePath(doc), func(snap map[string][]byte) {
		if err := conn.WriteJSON(wire.PresenceSnapshot{Entries: snap}); err != nil {
			_ = conn.Close()
		}
	})
	if err != nil {
		slog.Error("failed to subscribe to presence", "doc", doc, "err", err)
		return
	}
	defer cancel()

	waitForClose(conn)
}

// guardPresence implements the disconnect cleanup trigger: the client's
// entry is removed when this socket dies, unless a disarm frame arrived
// first.
func (s *server) guardPresence(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	doc, client := vars["doc"], vars["client"]

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	disarmed := false
	for {
		var frame wire.GuardFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Disarm {
			disarmed = true
		}
	}

	if disarmed {
		return
	}
	slog.Info("disconnect cleanup", "doc", doc, "client", client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Remove(ctx, provider.PresencePath(doc), client); err != nil {
		slog.Error("disconnect cleanup failed", "doc", doc, "client", client, "err", err)
	}
}

func (s *server) queryFeed(writer http.ResponseWriter, request *http.Request) {
	limit := 20
	if v := request.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}

	var items []store.FeedItem
	var err error
	if v := request.URL.Query().Get("older_than"); v != "" {
		ts, tsErr := strconv.ParseInt(v, 10, 64)
		if tsErr != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		items, err = s.store.QueryOlderThan(request.Context(), ts, limit)
	} else {
		items, err = s.store.QueryNewest(request.Context(), limit)
	}
	if err != nil {
		slog.Error("failed to query feed", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, wire.FeedPage{Items: items})
}

func (s *server) createItem(writer http.ResponseWriter, request *http.Request) {
	var item store.FeedItem
	if err := json.NewDecoder(request.Body).Decode(&item); err != nil {
		slog.Error("failed to decode body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().UnixMilli()
	}
	if err := s.store.PutItem(request.Context(), item); err != nil {
		slog.Error("failed to put feed item", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, item)
}

func (s *server) deleteItem(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["item"]
	if err := s.store.DeleteItem(request.Context(), id); err != nil {
		slog.Error("failed to delete feed item", "id", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) watchItem(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["item"]
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	cancel, err := s.store.SubscribeSingle(id, func(it *store.FeedItem) {
		if err := conn.WriteJSON(wire.FeedEvent{Item: it}); err != nil {
			_ = conn.Close()
		}
	})
	if err != nil {
		slog.Error("failed to subscribe to item", "id", id, "err", err)
		return
	}
	defer cancel()

	waitForClose(conn)
}

// waitForClose blocks until the peer closes or the connection errors,
// discarding anything it sends.
func waitForClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(writer http.ResponseWriter, v any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
