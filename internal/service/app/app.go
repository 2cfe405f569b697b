package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"securechat/internal/model"
	"securechat/internal/protocol/peer"
	"securechat/internal/utils/log"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		host    string
		keyBits int

		userID string
		// empty means broadcast
		toName string

		peer *peer.Peer

		conn    *websocket.Conn
		writeMu sync.Mutex

		// print writes one line to the chat box
		print func(format string, args ...any)
	}
)

func NewApp(host string, keyBits int) *App {
	c := &App{
		app:     tview.NewApplication(),
		host:    host,
		keyBits: keyBits,
	}
	c.print = c.printToChatbox
	return c
}

// Run connects as userID and blocks in the UI until it exits.
func (c *App) Run(ctx context.Context, userID, toName string) error {
	c.toName = toName

	if info, err := c.getServerKey(); err != nil {
		log.Warn("fetch server key failed", zap.Error(err))
	} else {
		log.Debug("server key", zap.String("format", info.Format), zap.Time("expires_at", info.ExpiresAt))
	}

	if err := c.connect(userID); err != nil {
		return err
	}
	defer c.conn.Close()

	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	return c.renderUI()
}

// connect dials the server, starts the reader and sends join. The key
// exchange continues from the joined frame.
func (c *App) connect(userID string) error {
	c.userID = userID

	p, err := peer.New(c.keyBits, func(m *model.SendMessageRequest) error {
		return c.writeFrame(model.FrameSendMessage, m)
	})
	if err != nil {
		return err
	}
	c.peer = p

	c.conn, err = c.initWebhook(userID)
	if err != nil {
		return err
	}

	go c.listenOnWebhook()
	return c.writeFrame(model.FrameJoin, nil)
}

// blocking function
func (c *App) renderUI() error {
	title := " Broadcast "
	if c.toName != "" {
		title = fmt.Sprintf(" Chat with %s ", c.toName)
	}

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(title)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.SendMessage(msg); err != nil {
				log.Error("send message failed", zap.Error(err))
				c.print("[red]send failed:[-] %v", err)
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) printToChatbox(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) listenOnWebhook() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			c.conn.Close()
			c.print("[red]disconnected[-]")
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("unmarshal frame failed", zap.Error(err))
			continue
		}

		if err := c.handleFrame(&frame); err != nil {
			log.Error("handle frame failed", zap.String("type", frame.Type), zap.Error(err))
			c.print("[red]error:[-] %v", err)
		}
	}
}

func (c *App) handleFrame(frame *model.Frame) error {
	switch frame.Type {
	case model.FrameJoined:
		pub, err := c.peer.PublicKey()
		if err != nil {
			return err
		}
		return c.writeFrame(model.FrameExchangeKeys, &model.ExchangeKeysRequest{PublicKey: pub})

	case model.FrameKeysExchanged:
		var res model.KeysExchanged
		if err := frame.Decode(&res); err != nil {
			return err
		}
		if err := res.Validate(); err != nil {
			return err
		}
		if err := c.peer.HandleKeysExchanged(&res); err != nil {
			return err
		}
		c.print("[gray]session key established[-]")
		return nil

	case model.FrameMessage:
		var env model.Envelope
		if err := frame.Decode(&env); err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			return err
		}
		return c.ReceiveMessage(&env)

	case model.FrameError:
		var e model.ErrorMessage
		if err := frame.Decode(&e); err != nil {
			return err
		}
		c.print("[red]server:[-] %s", e.Message)
		return nil

	default:
		log.Debug("ignore frame", zap.String("type", frame.Type))
		return nil
	}
}

// SendMessage encrypts msg for the server, or queues it until the session
// key arrives.
func (c *App) SendMessage(msg string) error {
	queued := !c.peer.HasKey()
	if err := c.peer.Send(c.toName, msg); err != nil {
		return err
	}

	if queued {
		c.print("[yellow]You:[-] %s [gray](queued)[-]", msg)
	} else {
		c.print("[yellow]You:[-] %s", msg)
	}
	return nil
}

func (c *App) ReceiveMessage(env *model.Envelope) error {
	text, err := c.peer.Decrypt(env)
	if err != nil {
		return err
	}

	c.print("[green]%s:[-] %s", env.SenderID, text)
	return nil
}
