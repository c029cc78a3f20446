package media_webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// ApplyBitrateLimits вписывает рамки битрейта в видео секции SDP.
// Рамки передаются двумя путями сразу: строками b=AS/b=TIAS для стандартных
// стеков и параметрами x-google-*-bitrate в fmtp для libwebrtc на камере.
// Аудио секции не трогаются. Ретрансляционные кодеки (rtx) пропускаются.
func ApplyBitrateLimits(sdpText string, limits BitrateLimits) (string, error) {
	if !limits.enabled() {
		return sdpText, nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return "", errors.Wrap(err, "parse sdp")
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		if limits.MaxKbps > 0 {
			m.Bandwidth = []sdp.Bandwidth{
				{Type: "AS", Bandwidth: uint64(limits.MaxKbps)},
				{Type: "TIAS", Bandwidth: uint64(limits.MaxKbps) * 1000},
			}
		}
		applyGoogleBitrate(m, limits)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "marshal sdp")
	}
	return string(out), nil
}

// applyGoogleBitrate дописывает x-google-*-bitrate в fmtp каждого видеокодека
// секции. Кодекам без fmtp строка добавляется, rtx не трогается.
func applyGoogleBitrate(m *sdp.MediaDescription, limits BitrateLimits) {
	params := googleBitrateParams(limits)
	if params == "" {
		return
	}

	handled := make(map[string]bool)
	for i, attr := range m.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		pt, val, ok := strings.Cut(attr.Value, " ")
		if !ok || strings.Contains(val, "apt=") {
			continue
		}
		if strings.Contains(val, "x-google-") {
			handled[pt] = true
			continue
		}
		m.Attributes[i].Value = attr.Value + ";" + params
		handled[pt] = true
	}

	for _, attr := range m.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, codec, ok := strings.Cut(attr.Value, " ")
		if !ok || handled[pt] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(codec), "rtx/") {
			continue
		}
		m.Attributes = append(m.Attributes, sdp.Attribute{
			Key:   "fmtp",
			Value: pt + " " + params,
		})
	}
}

func googleBitrateParams(limits BitrateLimits) string {
	parts := make([]string, 0, 3)
	if limits.MinKbps > 0 {
		parts = append(parts, fmt.Sprintf("x-google-min-bitrate=%d", limits.MinKbps))
	}
	if limits.StartKbps > 0 {
		parts = append(parts, fmt.Sprintf("x-google-start-bitrate=%d", limits.StartKbps))
	}
	if limits.MaxKbps > 0 {
		parts = append(parts, fmt.Sprintf("x-google-max-bitrate=%d", limits.MaxKbps))
	}
	return strings.Join(parts, ";")
}
