package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestMuLawSilence(t *testing.T) {
	got := EncodeMuLaw(pcmOf(0, 0, 0))
	if !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("EncodeMuLaw(silence) = %x, want ffffff", got)
	}
	back := DecodeMuLaw(got)
	if !bytes.Equal(back, pcmOf(0, 0, 0)) {
		t.Fatalf("DecodeMuLaw(silence) = %v", back)
	}
}

func TestMuLawRoundTripWithinQuantization(t *testing.T) {
	in := []int16{1000, -1000, 20000, -20000, 32767, 150}
	out := DecodeMuLaw(EncodeMuLaw(pcmOf(in...)))
	for i, want := range in {
		got := int16(binary.LittleEndian.Uint16(out[i*2:]))
		diff := int(got) - int(want)
		if diff < 0 {
			diff = -diff
		}
		mag := int(want)
		if mag < 0 {
			mag = -mag
		}
		if diff > mag/16+16 {
			t.Fatalf("sample %d: decoded %d from %d, error %d too large", i, got, want, diff)
		}
		if (got < 0) != (want < 0) {
			t.Fatalf("sample %d: sign flipped (%d -> %d)", i, want, got)
		}
	}
}

func TestResamplePCM16Halves(t *testing.T) {
	in := pcmOf(1, 2, 3, 4, 5, 6)
	got := ResamplePCM16(in, 16000, TelephonySampleRate)
	if !bytes.Equal(got, pcmOf(1, 3, 5)) {
		t.Fatalf("ResamplePCM16() = %v, want samples 1,3,5", got)
	}
	if same := ResamplePCM16(in, 8000, 8000); !bytes.Equal(same, in) {
		t.Fatalf("ResamplePCM16() with equal rates changed input")
	}
}

// wavOf builds a WAV file with a plain 16-byte fmt chunk, an odd-sized LIST
// chunk to exercise padding, and the given data chunk.
func wavOf(format, channels uint16, rate uint32, bits uint16, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(4+24+8+3+1+8+len(body)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, format)
	_ = binary.Write(&b, binary.LittleEndian, channels)
	_ = binary.Write(&b, binary.LittleEndian, rate)
	_ = binary.Write(&b, binary.LittleEndian, rate*uint32(channels)*uint32(bits/8))
	_ = binary.Write(&b, binary.LittleEndian, channels*(bits/8))
	_ = binary.Write(&b, binary.LittleEndian, bits)
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(3))
	b.Write([]byte{'a', 'b', 'c', 0})
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(body)))
	b.Write(body)
	return b.Bytes()
}

func TestWriteMuLawWAVHeader(t *testing.T) {
	var b bytes.Buffer
	if err := WriteMuLawWAV(&b, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WriteMuLawWAV() error = %v", err)
	}
	out := b.Bytes()
	if len(out) != 58+3+1 {
		t.Fatalf("len = %d, want 62 (header, data, pad)", len(out))
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != uint32(len(out)-8) {
		t.Fatalf("RIFF size = %d, want %d", got, len(out)-8)
	}
	if got := binary.LittleEndian.Uint16(out[20:22]); got != wavFormatMuLaw {
		t.Fatalf("format = %d, want %d", got, wavFormatMuLaw)
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != TelephonySampleRate {
		t.Fatalf("sample rate = %d, want %d", got, TelephonySampleRate)
	}
	if string(out[38:42]) != "fact" || string(out[50:54]) != "data" {
		t.Fatalf("chunk layout = %q / %q, want fact / data", out[38:42], out[50:54])
	}
	if !bytes.Equal(out[58:61], []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("data = %x, want 010203", out[58:61])
	}
}

func TestLoadTelephonyAudioPassesMuLawThrough(t *testing.T) {
	payload := []byte{0x7F, 0xFF, 0x00, 0x80}
	var b bytes.Buffer
	if err := WriteMuLawWAV(&b, payload); err != nil {
		t.Fatalf("WriteMuLawWAV() error = %v", err)
	}
	got, err := LoadTelephonyAudio(b.Bytes())
	if err != nil {
		t.Fatalf("LoadTelephonyAudio() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("LoadTelephonyAudio() = %x, want %x", got, payload)
	}
}

func TestLoadTelephonyAudioConvertsStereoPCM(t *testing.T) {
	// 16 kHz stereo: L/R pairs average to 0, 2000, 0, 2000; halving keeps 0 and 0.
	stereo := pcmOf(1000, -1000, 3000, 1000, 500, -500, 2500, 1500)
	got, err := LoadTelephonyAudio(wavOf(wavFormatPCM, 2, 16000, 16, stereo))
	if err != nil {
		t.Fatalf("LoadTelephonyAudio() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0xFF, 0xFF}) {
		t.Fatalf("LoadTelephonyAudio() = %x, want ffff", got)
	}
}

func TestLoadTelephonyAudioResamplesMuLaw(t *testing.T) {
	body := EncodeMuLaw(pcmOf(0, 0, 0, 0))
	got, err := LoadTelephonyAudio(wavOf(wavFormatMuLaw, 1, 16000, 8, body))
	if err != nil {
		t.Fatalf("LoadTelephonyAudio() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 after 16k->8k", len(got))
	}
}

func TestLoadTelephonyAudioRejects(t *testing.T) {
	cases := map[string][]byte{
		"garbage":   []byte("not a wav file"),
		"float":     wavOf(3, 1, 8000, 32, make([]byte, 8)),
		"8-bit pcm": wavOf(wavFormatPCM, 1, 8000, 8, make([]byte, 8)),
		"empty":     wavOf(wavFormatPCM, 1, 8000, 16, nil),
		"no rate":   wavOf(wavFormatPCM, 1, 0, 16, make([]byte, 8)),
	}
	for name, data := range cases {
		if _, err := LoadTelephonyAudio(data); err == nil {
			t.Fatalf("LoadTelephonyAudio(%s) error = nil, want error", name)
		}
	}
}
