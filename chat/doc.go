// Package chat posts a one-line announcement to the broadcaster's Twitch chat
// when a broadcast starts.
//
// The IRC client requires a bot username and an OAuth token with chat:edit
// scope (TWITCH_BOT_USERNAME / TWITCH_OAUTH_TOKEN). The announcer connects
// once and keeps the connection until its context is cancelled; messages sent
// while disconnected are dropped with ErrNotConnected.
package chat
