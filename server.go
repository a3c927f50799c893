package quicore

import (
	"time"
)

// Server is a server-role QUIC endpoint: one listening Socket driving a
// Dispatcher across however many client connections arrive. Grounded on
// the teacher's Server (server.go), thinned to a construction/lifecycle
// wrapper now that routing itself lives in Dispatcher.
type Server struct {
	dispatcher *Dispatcher
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr Address, config *Configuration, handler Handler) (*Server, error) {
	socket, err := ListenSocket(addr)
	if err != nil {
		return nil, err
	}
	return &Server{dispatcher: NewDispatcher(socket, config, handler)}, nil
}

// SetAddressValidator installs a retry-token validator on the underlying Dispatcher.
func (s *Server) SetAddressValidator(v AddressValidator) {
	s.dispatcher.SetAddressValidator(v)
}

// LocalAddress returns the address the listening socket is bound to, for
// callers (tests, ACME-style binders) that passed an ephemeral port to Listen.
func (s *Server) LocalAddress() Address {
	return s.dispatcher.LocalAddress()
}

// ConnectionCount returns the number of connections currently routed by the
// dispatcher, for the drain/reap assertions spec §8 S1 and S3 describe.
func (s *Server) ConnectionCount() int {
	return s.dispatcher.ConnectionCount()
}

// Serve runs the accept/route loop until the socket errors or Close is called.
func (s *Server) Serve() error {
	return s.dispatcher.Serve()
}

// Close stops Serve and every connection it has accepted.
func (s *Server) Close(timeout time.Duration) {
	s.dispatcher.Close(timeout)
}
