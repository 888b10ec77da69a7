package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/transfer"
)

// DefaultOpenTimeout bounds how long a channel may stay unopened.
const DefaultOpenTimeout = 10 * time.Second

var (
	// ErrSelfConnect is returned when asked to connect to the local peer id.
	ErrSelfConnect = errors.New("session: cannot connect to self")
	// ErrStopped is returned by operations on a session that is not running.
	ErrStopped = errors.New("session: not running")
	// ErrEmptyPeerID is returned when a connect target is blank.
	ErrEmptyPeerID = errors.New("session: peer id is required")

	errOpenTimeout = errors.New("session: channel open timed out")
)

// Contract selects how file bytes travel over the channel.
type Contract string

const (
	// ContractChunked streams fileStart followed by fileChunk messages.
	ContractChunked Contract = "chunked"
	// ContractWholeFile sends each file as a single fileContent message.
	ContractWholeFile Contract = "whole-file"
)

// ParseContract validates a configured contract name.
func ParseContract(name string) (Contract, error) {
	switch Contract(strings.ToLower(strings.TrimSpace(name))) {
	case "", ContractChunked:
		return ContractChunked, nil
	case ContractWholeFile:
		return ContractWholeFile, nil
	default:
		return "", fmt.Errorf("session: unknown contract %q", name)
	}
}

// Direction of a transfer relative to the local peer.
type Direction string

const (
	// DirectionSend marks progress of a file streamed to the remote peer.
	DirectionSend Direction = "send"
	// DirectionReceive marks progress of a file arriving from the remote peer.
	DirectionReceive Direction = "receive"
)

// Progress reports one step of a transfer.
type Progress struct {
	FileID      string
	Name        string
	Direction   Direction
	ChunkIndex  int
	TotalChunks int
	Bytes       int64
	Total       int64
	Completed   bool
}

// Options configures a Session.
type Options struct {
	LocalID string
	Adapter network.Adapter
	Sink    Sink

	Policy      transfer.Policy
	Contract    Contract
	OpenTimeout time.Duration

	Logger logrus.FieldLogger

	// Observers run on a dedicated goroutine in event order and may call back into the session.
	OnStateChange   func(state State, remoteID string)
	OnRemoteCatalog func(files []models.File)
	OnProgress      func(Progress)
}

// connection is one channel attempt. Events from a connection that is no
// longer current are ignored.
type connection struct {
	target  string
	channel network.Channel
	open    bool
	timer   *time.Timer
	cancel  context.CancelFunc
}

func (c *connection) stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
}

// Session owns the one connection to a remote peer, both file catalogs and
// all transfer state. All of it is confined to the session's loop goroutine.
type Session struct {
	localID     string
	adapter     network.Adapter
	sink        Sink
	policy      transfer.Policy
	contract    Contract
	openTimeout time.Duration
	log         logrus.FieldLogger

	onStateChange   func(State, string)
	onRemoteCatalog func([]models.File)
	onProgress      func(Progress)

	loop     *taskQueue
	notifier *taskQueue

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	deliveries sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
	running    atomic.Bool
	done       chan struct{}
	notified   chan struct{}

	state    State
	remoteID string
	conn     *connection
	local    *catalog[*fileRecord]
	remote   *catalog[models.File]
	receiver *transfer.Receiver
}

// New validates options and returns a stopped session.
func New(options Options) (*Session, error) {
	if strings.TrimSpace(options.LocalID) == "" {
		return nil, errors.New("session: local id is required")
	}
	if options.Adapter == nil {
		return nil, errors.New("session: adapter is required")
	}
	contract, err := ParseContract(string(options.Contract))
	if err != nil {
		return nil, err
	}
	if options.OpenTimeout <= 0 {
		options.OpenTimeout = DefaultOpenTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	log := options.Logger.WithField("component", "session")
	if options.Sink == nil {
		options.Sink = discardSink{log: log}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		localID:         options.LocalID,
		adapter:         options.Adapter,
		sink:            options.Sink,
		policy:          options.Policy.Normalize(),
		contract:        contract,
		openTimeout:     options.OpenTimeout,
		log:             log,
		onStateChange:   options.OnStateChange,
		onRemoteCatalog: options.OnRemoteCatalog,
		onProgress:      options.OnProgress,
		loop:            newTaskQueue(),
		notifier:        newTaskQueue(),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		notified:        make(chan struct{}),
		local:           newCatalog[*fileRecord](),
		remote:          newCatalog[models.File](),
		receiver:        transfer.NewReceiver(),
	}, nil
}

// Start runs the session loop and begins accepting incoming channels.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.running.Store(true)
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.loop.run()
		}()
		go s.acceptIncoming()
		go func() {
			defer close(s.notified)
			s.notifier.run()
		}()
	})
}

// Stop tears down the connection, closes every local source and waits for the
// loop and any sink deliveries in flight to finish.
// It must not be called from an observer.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.startOnce.Do(func() { close(s.notified) })
		_ = s.call(func() {
			s.teardown(s.conn, nil)
			for _, record := range s.local.values() {
				if err := record.close(); err != nil {
					s.log.WithError(err).WithField("file_id", record.ID).Warn("Failed to close file source")
				}
			}
			s.local.clear()
		})

		close(s.done)
		s.cancel()
		s.loop.close()
		s.wg.Wait()
		s.deliveries.Wait()
		s.notifier.close()
		<-s.notified
	})
}

// LocalID returns the local peer identity.
func (s *Session) LocalID() string {
	return s.localID
}

// Connect supersedes any current connection and opens a channel to peerID.
func (s *Session) Connect(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrEmptyPeerID
	}
	if peerID == s.localID {
		s.log.Debug("Rejected connect to own peer id")
		return ErrSelfConnect
	}
	return s.call(func() { s.connect(peerID) })
}

// Disconnect closes the current connection, if any.
func (s *Session) Disconnect() error {
	return s.call(func() { s.teardown(s.conn, nil) })
}

// State returns the current connection state.
func (s *Session) State() State {
	state := Disconnected
	_ = s.call(func() { state = s.state })
	return state
}

// RemoteID returns the identity announced by the remote peer, or "".
func (s *Session) RemoteID() string {
	var id string
	_ = s.call(func() { id = s.remoteID })
	return id
}

// LocalCatalog returns the offered files in addition order.
func (s *Session) LocalCatalog() []models.File {
	var files []models.File
	_ = s.call(func() { files = s.localFiles() })
	return files
}

// RemoteCatalog returns the remote peer's offers in arrival order.
func (s *Session) RemoteCatalog() []models.File {
	var files []models.File
	_ = s.call(func() { files = s.remote.values() })
	return files
}

// AddLocal registers files under fresh ids and offers them when connected.
func (s *Session) AddLocal(files ...LocalFile) ([]models.File, error) {
	added := make([]models.File, 0, len(files))
	err := s.call(func() {
		for _, file := range files {
			record := &fileRecord{
				File:   models.File{ID: uuid.NewString(), Name: file.Name, Size: file.Size},
				source: file.Source,
			}
			s.local.add(record.ID, record)
			added = append(added, record.File)
			s.log.WithFields(logrus.Fields{
				"file_id": record.ID,
				"name":    record.Name,
				"size":    record.Size,
			}).Info("File offered")

			if s.state == Connected {
				s.send(network.Offer{Type: network.TypeOffer, File: record.File})
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// AddPath opens regular files from disk and offers them.
func (s *Session) AddPath(paths ...string) ([]models.File, error) {
	files := make([]LocalFile, 0, len(paths))
	closeAll := func() {
		for _, file := range files {
			_ = file.Source.(*os.File).Close()
		}
	}

	for _, path := range paths {
		handle, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		info, err := handle.Stat()
		if err != nil {
			_ = handle.Close()
			closeAll()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			_ = handle.Close()
			closeAll()
			return nil, fmt.Errorf("%s is not a regular file", path)
		}
		files = append(files, LocalFile{Name: filepath.Base(path), Size: info.Size(), Source: handle})
	}

	added, err := s.AddLocal(files...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return added, nil
}

// RemoveLocal withdraws an offered file, halting its in-flight sends.
// Unknown ids are ignored.
func (s *Session) RemoveLocal(fileID string) error {
	return s.call(func() {
		record, ok := s.local.remove(fileID)
		if !ok {
			return
		}
		if err := record.close(); err != nil {
			s.log.WithError(err).WithField("file_id", fileID).Warn("Failed to close file source")
		}
		s.log.WithField("file_id", fileID).Info("File withdrawn")
		if s.state == Connected {
			s.send(network.Unoffer{Type: network.TypeUnoffer, FileID: fileID})
		}
	})
}

// RequestDownload asks the remote peer to send the given files.
// The request is dropped when not connected.
func (s *Session) RequestDownload(fileIDs ...string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), fileIDs...)
	return s.call(func() {
		if s.state != Connected {
			s.log.WithField("files", len(ids)).Debug("Dropping download request while not connected")
			return
		}
		s.send(network.Accept{Type: network.TypeAccept, FileIDs: ids})
	})
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	<-finished
	return nil
}

func (s *Session) post(fn func()) bool {
	if !s.running.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	return s.loop.push(fn)
}

func (s *Session) notify(fn func()) {
	s.notifier.push(fn)
}

func (s *Session) acceptIncoming() {
	defer s.wg.Done()
	incoming := s.adapter.Incoming()
	for {
		select {
		case channel, ok := <-incoming:
			if !ok {
				return
			}
			if !s.post(func() { s.acceptChannel(channel) }) {
				_ = channel.Close()
				go drain(channel)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) connect(peerID string) {
	s.teardown(s.conn, nil)

	ctx, cancel := context.WithCancel(s.ctx)
	conn := &connection{target: peerID, cancel: cancel}
	s.conn = conn
	s.setState(Connecting)
	s.armOpenTimeout(conn)
	s.log.WithField("peer", peerID).Info("Connecting")

	go func() {
		channel, err := s.adapter.Open(ctx, peerID)
		if !s.post(func() { s.channelRequested(conn, channel, err) }) && channel != nil {
			_ = channel.Close()
			go drain(channel)
		}
	}()
}

func (s *Session) channelRequested(conn *connection, channel network.Channel, err error) {
	if err != nil {
		s.teardown(conn, fmt.Errorf("open channel: %w", err))
		return
	}
	if s.conn != conn {
		_ = channel.Close()
		go drain(channel)
		return
	}
	conn.channel = channel
	s.forward(conn)
}

func (s *Session) acceptChannel(channel network.Channel) {
	s.teardown(s.conn, nil)

	conn := &connection{channel: channel}
	s.conn = conn
	s.setState(Connecting)
	s.armOpenTimeout(conn)
	s.log.Info("Incoming channel")
	s.forward(conn)
}

func (s *Session) armOpenTimeout(conn *connection) {
	conn.timer = time.AfterFunc(s.openTimeout, func() {
		s.post(func() {
			if s.conn == conn && !conn.open {
				s.teardown(conn, errOpenTimeout)
			}
		})
	})
}

// forward relays the channel's events onto the loop until the stream ends.
func (s *Session) forward(conn *connection) {
	events := conn.channel.Events()
	go func() {
		for event := range events {
			event := event
			s.post(func() { s.handleEvent(conn, event) })
		}
	}()
}

func drain(channel network.Channel) {
	for range channel.Events() {
	}
}

func (s *Session) handleEvent(conn *connection, event network.Event) {
	if s.conn != conn {
		return
	}

	switch event.Type {
	case network.EventConnected:
		if conn.open {
			return
		}
		conn.open = true
		if conn.timer != nil {
			conn.timer.Stop()
		}
		s.setState(Connected)
		s.send(network.Hello{Type: network.TypeHello, PeerID: s.localID})
		for _, file := range s.localFiles() {
			s.send(network.Offer{Type: network.TypeOffer, File: file})
		}
	case network.EventMessage:
		if !conn.open {
			return
		}
		s.handleMessage(event.Message)
	case network.EventDisconnected:
		s.teardown(conn, nil)
	case network.EventError:
		s.teardown(conn, event.Err)
	}
}

func (s *Session) handleMessage(msg network.Message) {
	switch m := msg.(type) {
	case network.Hello:
		s.remoteID = m.PeerID
		s.log.WithField("peer", m.PeerID).Info("Remote peer identified")
		s.notifyState()
	case network.Offer:
		if !s.remote.add(m.File.ID, m.File) {
			s.log.WithField("file_id", m.File.ID).Debug("Ignoring duplicate offer")
			return
		}
		s.notifyRemoteCatalog()
	case network.Unoffer:
		if _, ok := s.remote.remove(m.FileID); !ok {
			s.log.WithField("file_id", m.FileID).Debug("Ignoring unoffer for unknown file")
			return
		}
		s.notifyRemoteCatalog()
	case network.Accept:
		s.handleAccept(m)
	case network.FileStart:
		s.handleFileStart(m)
	case network.FileChunk:
		s.handleFileChunk(m)
	case network.FileContent:
		s.handleFileContent(m)
	default:
		s.log.WithField("type", msg.MessageType()).Debug("Ignoring unexpected message")
	}
}

// send is best effort: failures are logged and the message is dropped.
func (s *Session) send(msg network.Message) bool {
	if s.conn == nil || !s.conn.open {
		s.log.WithField("type", msg.MessageType()).Debug("Dropping message while not connected")
		return false
	}
	if err := s.conn.channel.Send(msg); err != nil {
		entry := s.log.WithError(err).WithField("type", msg.MessageType())
		if errors.Is(err, network.ErrFrameTooLarge) {
			entry.Warn("Dropping oversized message")
		} else {
			entry.Debug("Dropping message")
		}
		return false
	}
	return true
}

// teardown ends conn if it is current and resets all connection-scoped state.
func (s *Session) teardown(conn *connection, cause error) {
	if conn == nil || s.conn != conn {
		return
	}
	s.conn = nil
	conn.stop()

	entry := s.log.WithField("peer", s.remoteID)
	if cause != nil {
		entry.WithError(cause).Warn("Connection lost")
	} else {
		entry.Info("Disconnected")
	}

	s.remoteID = ""
	if s.remote.len() > 0 {
		s.remote.clear()
		s.notifyRemoteCatalog()
	}
	s.receiver.Reset()
	s.setState(Disconnected)
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.log.WithField("state", state.String()).Debug("State changed")
	s.notifyState()
}

func (s *Session) notifyState() {
	if s.onStateChange == nil {
		return
	}
	state, remoteID := s.state, s.remoteID
	s.notify(func() { s.onStateChange(state, remoteID) })
}

func (s *Session) notifyRemoteCatalog() {
	if s.onRemoteCatalog == nil {
		return
	}
	files := s.remote.values()
	s.notify(func() { s.onRemoteCatalog(files) })
}

func (s *Session) notifyProgress(progress Progress) {
	if s.onProgress == nil {
		return
	}
	s.notify(func() { s.onProgress(progress) })
}

func (s *Session) localFiles() []models.File {
	records := s.local.values()
	files := make([]models.File, 0, len(records))
	for _, record := range records {
		files = append(files, record.File)
	}
	return files
}
