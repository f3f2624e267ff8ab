// Package opus supplies Opus audio frames to the playback loop.
//
// Audio is stored in a minimal binary format: concatenated length-prefixed frames
// ([uint16 LE length][opus bytes]). No headers, no metadata.
//
// Encode transcodes any audio to Opus via FFmpeg and produces length-prefixed frames.
// FrameReader reads length-prefixed frames back and OggReader reads packets
// straight out of an Ogg/Opus file. Both satisfy playback.FrameSource.
package opus
