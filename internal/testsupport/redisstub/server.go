// Package redisstub runs a minimal in-process Redis protocol server covering
// the commands the upload pipeline issues: counters with expiry for rate
// limiting, and hashes plus sets for session state, including the MULTI/EXEC
// framing go-redis pipelines use.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}

	mu          sync.Mutex
	counters    map[string]int64
	hashes      map[string]map[string]string
	sets        map[string]map[string]struct{}
	expirations map[string]time.Time
}

// reply value types understood by writeReply.
type simpleString string
type respError string

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:        opts,
		closed:      make(chan struct{}),
		counters:    make(map[string]int64),
		hashes:      make(map[string]map[string]string),
		sets:        make(map[string]map[string]struct{}),
		expirations: make(map[string]time.Time),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// URL returns the redis:// form of Addr for clients that parse URLs.
func (s *Server) URL() string {
	if s.opts.Password != "" {
		return fmt.Sprintf("redis://:%s@%s", s.opts.Password, s.addr)
	}
	return "redis://" + s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	var queued [][]string
	inMulti := false

	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeReply(writer, respError("ERR wrong number of arguments")) != nil {
				return
			}
			continue
		}

		var reply interface{}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			reply = simpleString("PONG")
		case "HELLO":
			// Answering with an error pushes go-redis back to RESP2.
			reply = respError("ERR unknown command 'hello'")
		case "CLIENT", "SELECT":
			reply = simpleString("OK")
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				reply = simpleString("OK")
			} else {
				reply = respError("WRONGPASS invalid username-password pair")
			}
		case "MULTI":
			inMulti = true
			queued = queued[:0]
			reply = simpleString("OK")
		case "DISCARD":
			inMulti = false
			queued = nil
			reply = simpleString("OK")
		case "EXEC":
			if !authenticated {
				reply = respError("NOAUTH Authentication required.")
				break
			}
			results := make([]interface{}, 0, len(queued))
			for _, queuedArgs := range queued {
				results = append(results, s.execute(queuedArgs))
			}
			inMulti = false
			queued = nil
			reply = results
		default:
			if !authenticated {
				reply = respError("NOAUTH Authentication required.")
				break
			}
			if inMulti {
				queuedArgs := make([]string, len(args))
				copy(queuedArgs, args)
				queued = append(queued, queuedArgs)
				reply = simpleString("QUEUED")
				break
			}
			reply = s.execute(args)
		}

		if writeReply(writer, reply) != nil {
			return
		}
	}
}

func (s *Server) execute(args []string) interface{} {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "INCR":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'incr'")
		}
		return s.incr(args[1])
	case "EXPIRE":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return respError("ERR invalid expire time")
		}
		return s.expire(args[1], time.Duration(seconds)*time.Second)
	case "TTL":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'ttl'")
		}
		return s.ttl(args[1])
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return respError("ERR wrong number of arguments for 'hset'")
		}
		return s.hset(args[1], args[2:])
	case "HGETALL":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'hgetall'")
		}
		return s.hgetall(args[1])
	case "SADD":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'sadd'")
		}
		return s.sadd(args[1], args[2:])
	case "SREM":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'srem'")
		}
		return s.srem(args[1], args[2:])
	case "SMEMBERS":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'smembers'")
		}
		return s.smembers(args[1])
	case "DEL":
		if len(args) < 2 {
			return respError("ERR wrong number of arguments for 'del'")
		}
		return s.del(args[1:])
	default:
		return respError(fmt.Sprintf("ERR unsupported command '%s'", strings.ToLower(cmd)))
	}
}

// reapLocked drops the key everywhere once its expiry has passed.
func (s *Server) reapLocked(key string) {
	expiry, ok := s.expirations[key]
	if !ok || time.Now().Before(expiry) {
		return
	}
	delete(s.expirations, key)
	delete(s.counters, key)
	delete(s.hashes, key)
	delete(s.sets, key)
}

func (s *Server) existsLocked(key string) bool {
	if _, ok := s.counters[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	s.counters[key]++
	return s.counters[key]
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	if !s.existsLocked(key) {
		return 0
	}
	s.expirations[key] = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	if !s.existsLocked(key) {
		return -2
	}
	expiry, ok := s.expirations[key]
	if !ok {
		return -1
	}
	return int64(time.Until(expiry) / time.Second)
}

func (s *Server) hset(key string, fieldValues []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	var added int64
	for i := 0; i+1 < len(fieldValues); i += 2 {
		if _, exists := hash[fieldValues[i]]; !exists {
			added++
		}
		hash[fieldValues[i]] = fieldValues[i+1]
	}
	return added
}

func (s *Server) hgetall(key string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	hash := s.hashes[key]
	out := make([]interface{}, 0, len(hash)*2)
	for field, value := range hash {
		out = append(out, field, value)
	}
	return out
}

func (s *Server) sadd(key string, members []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	var added int64
	for _, member := range members {
		if _, exists := set[member]; !exists {
			set[member] = struct{}{}
			added++
		}
	}
	return added
}

func (s *Server) srem(key string, members []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set := s.sets[key]
	var removed int64
	for _, member := range members {
		if _, exists := set[member]; exists {
			delete(set, member)
			removed++
		}
	}
	return removed
}

func (s *Server) smembers(key string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set := s.sets[key]
	out := make([]interface{}, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, key := range keys {
		s.reapLocked(key)
		if s.existsLocked(key) {
			deleted++
		}
		delete(s.counters, key)
		delete(s.hashes, key)
		delete(s.sets, key)
		delete(s.expirations, key)
	}
	return deleted
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += n
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, value interface{}) error {
	if err := writeReplyRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeReplyRaw(w *bufio.Writer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		_, err := w.WriteString("$-1\r\n")
		return err
	case simpleString:
		_, err := fmt.Fprintf(w, "+%s\r\n", string(v))
		return err
	case respError:
		_, err := fmt.Fprintf(w, "-%s\r\n", string(v))
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case []interface{}:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeReplyRaw(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported reply type %T", value)
	}
}
