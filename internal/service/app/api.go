package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"securechat/internal/model"
)

func (c *App) getServerKey() (*model.ServerKeyInfo, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/keys/server",
	}

	resp, err := http.Get(u.String())
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get server key: unexpected status %d", resp.StatusCode)
	}

	var info model.ServerKeyInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}

func (c *App) initWebhook(name string) (*websocket.Conn, error) {
	params := url.Values{
		"userID": []string{name},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (c *App) writeFrame(frameType string, payload any) error {
	frame, err := model.NewFrame(frameType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}
