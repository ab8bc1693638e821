// # Go Client Package for Voice Channels
//
// This repository provides a Go package for joining real-time voice channels on a relay server. It handles the websocket session and its handshake, heartbeat and reconnection, the channel roster, microphone capture and speaker playback of 16 kHz PCM audio, and camera and screen share announcements. It is designed to be imported into your own Go projects; agents/ and examples/cli show a complete terminal client.
package voice
