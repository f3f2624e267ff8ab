// Package encryption is the cipher engine of a voice session.
//
// A Registry is built once at process start from a Backend and records which
// suites the host can serve. An Engine is then created per session for the
// negotiated suite and key. Each suite carries its own nonce discipline as an
// independent strategy; the counter-based suites share nothing but the
// Engine's NonceCounter, which never wraps onto an issued value.
//
// Outbound packets have the layout
//
//	[12-byte RTP header][ciphertext + tag][nonce suffix]
//
// where the suffix is four counter bytes for the rtpsize and lite suites, the
// full 24-byte nonce for the suffix suite, and empty for plain xsalsa20.
package encryption
