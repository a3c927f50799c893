package quicore

import "crypto/tls"

// TLSContext bundles the certificate/key material and ALPN protocol list an
// endpoint hands to every connection it creates. Grounded on
// orig/TLS/Context.hpp/.cpp (load_certificate_file, load_private_key_file,
// protocols()) and orig/TLS/ClientContext.hpp, ServerContext.hpp for the
// role split; this core never performs a handshake itself; the *tls.Config
// here is purely handed to the EngineFactory, which is the party that
// actually drives TLS (spec §1 Non-goals: "implementing the TLS 1.3
// handshake" is out of scope for this core).
type TLSContext struct {
	Config *tls.Config
}

// NewServerTLSContext builds a TLSContext for Server use from a certificate
// chain and the ALPN protocol list, grounded on orig/TLS/ServerContext.cpp's
// constructor (which loads a cert/key pair and sets NextProtos).
func NewServerTLSContext(cert tls.Certificate, alpn []string) *TLSContext {
	return &TLSContext{Config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}}
}

// NewClientTLSContext builds a TLSContext for Client use, grounded on
// orig/TLS/ClientContext.cpp's constructor (server name + ALPN list, no
// certificate of its own unless mutual TLS is configured).
func NewClientTLSContext(serverName string, alpn []string) *TLSContext {
	return &TLSContext{Config: &tls.Config{
		ServerName: serverName,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS13,
	}}
}

// Session ties one TLSContext to one engine-level connection; it is a
// handoff object only; the engine's TLS implementation owns handshake
// state. Grounded on orig/TLS/Session.hpp's base Session class and the
// Client/ServerSession split.
type Session struct {
	Context *TLSContext
}

// NewSession wraps ctx for a single connection's use.
func NewSession(ctx *TLSContext) *Session {
	return &Session{Context: ctx}
}
