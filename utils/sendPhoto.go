package utils

import (
	"bytes"
	"fmt"

	"github.com/skip2/go-qrcode"
	"gopkg.in/telebot.v3"
)

const qrSize = 256

// QRCode renders content as a PNG.
func QRCode(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	return png, nil
}

// SendQR replies with a QR code of link and the caption under it.
func SendQR(c telebot.Context, link, caption string) error {
	png, err := QRCode(link)
	if err != nil {
		return err
	}
	photo := &telebot.Photo{
		File:    telebot.FromReader(bytes.NewReader(png)),
		Caption: caption,
	}
	return c.Send(photo, telebot.ModeHTML)
}

// SendDocument replies with an in-memory file.
func SendDocument(c telebot.Context, data []byte, fileName, caption string) error {
	doc := &telebot.Document{
		File:     telebot.FromReader(bytes.NewReader(data)),
		FileName: fileName,
		Caption:  caption,
	}
	return c.Send(doc)
}
