// websocket_channel.go: WebSocket implementation of the live channel capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds each WebSocket write, including control frames.
const writeWait = 10 * time.Second

// WebSocketChannel is a LiveChannel backed by a WebSocket connection.
// Heartbeat pings ride on WebSocket ping/pong control frames; peer pongs
// surface through the handler's OnPong.
type WebSocketChannel struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketChannelFactory returns a factory producing one fresh
// WebSocket channel per connection attempt.
func NewWebSocketChannelFactory() ChannelFactory {
	return func() LiveChannel { return &WebSocketChannel{} }
}

// Open dials the WebSocket endpoint, authenticating with a bearer token
// when one is provided, and starts the read pump. The handler's OnClose
// fires exactly once when the read pump exits.
func (c *WebSocketChannel) Open(ctx context.Context, url string, authToken string, handler ChannelHandler) error {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return NewAuthenticationError(err)
		}
		return NewNetworkError(err)
	}

	conn.SetPongHandler(func(string) error {
		handler.OnPong()
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn, handler)
	return nil
}

// readPump delivers inbound messages until the connection dies, then
// reports the close code and reason.
func (c *WebSocketChannel) readPump(conn *websocket.Conn, handler ChannelHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			handler.OnClose(code, reason)
			return
		}
		handler.OnMessage(data)
	}
}

// Send writes one text message. Writes are serialized; gorilla permits at
// most one concurrent writer.
func (c *WebSocketChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return NewSendWhileDisconnectedError()
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return NewNetworkError(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return NewNetworkError(err)
	}
	return nil
}

// Ping sends a WebSocket ping control frame.
func (c *WebSocketChannel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return NewSendWhileDisconnectedError()
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return NewNetworkError(err)
	}
	return nil
}

// Close sends a close frame with the given code and reason, then tears
// down the connection. Safe to call more than once.
func (c *WebSocketChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = conn.Close()
	})
	return err
}
