package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	wavFormatPCM   = 1
	wavFormatMuLaw = 7
)

var errNotWAV = errors.New("not a RIFF/WAVE file")

// muLawHeader is the fixed header of a WAVE_FORMAT_MULAW file: a non-PCM fmt
// chunk (cbSize 0) followed by the fact chunk such formats require.
type muLawHeader struct {
	RIFF        [4]byte
	RIFFSize    uint32
	WAVE        [4]byte
	FmtID       [4]byte
	FmtSize     uint32
	Format      uint16
	Channels    uint16
	SampleRate  uint32
	ByteRate    uint32
	BlockAlign  uint16
	BitsPerSamp uint16
	ExtraSize   uint16
	FactID      [4]byte
	FactSize    uint32
	SampleCount uint32
	DataID      [4]byte
	DataSize    uint32
}

// WriteMuLawWAV writes 8 kHz mono mu-law bytes, exactly as carried in media
// stream payloads, as a WAVE_FORMAT_MULAW file.
func WriteMuLawWAV(out io.Writer, ulaw []byte) error {
	size := uint32(len(ulaw))
	pad := size % 2
	hdr := muLawHeader{
		RIFF:        [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:    4 + (8 + 18) + (8 + 4) + 8 + size + pad,
		WAVE:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:       [4]byte{'f', 'm', 't', ' '},
		FmtSize:     18,
		Format:      wavFormatMuLaw,
		Channels:    1,
		SampleRate:  TelephonySampleRate,
		ByteRate:    TelephonySampleRate,
		BlockAlign:  1,
		BitsPerSamp: 8,
		FactID:      [4]byte{'f', 'a', 'c', 't'},
		FactSize:    4,
		SampleCount: size,
		DataID:      [4]byte{'d', 'a', 't', 'a'},
		DataSize:    size,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if _, err := w.Write(ulaw); err != nil {
		return err
	}
	if pad == 1 {
		if err := w.WriteByte(0); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteMuLawWAVFile is WriteMuLawWAV to a new file at path.
func WriteMuLawWAVFile(path string, ulaw []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteMuLawWAV(f, ulaw); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type wavFormat struct {
	code        uint16
	channels    int
	sampleRate  int
	bitsPerSamp int
}

// readWAV walks the RIFF chunks and returns the fmt description and the data
// chunk. Unknown chunks (LIST, fact, ...) are skipped.
func readWAV(data []byte) (wavFormat, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return wavFormat{}, nil, errNotWAV
	}
	var (
		format  wavFormat
		haveFmt bool
		body    []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return wavFormat{}, nil, fmt.Errorf("wav chunk %q overruns file", id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if size < 16 {
				return wavFormat{}, nil, fmt.Errorf("wav fmt chunk too short (%d bytes)", size)
			}
			format = wavFormat{
				code:        binary.LittleEndian.Uint16(chunk[0:2]),
				channels:    int(binary.LittleEndian.Uint16(chunk[2:4])),
				sampleRate:  int(binary.LittleEndian.Uint32(chunk[4:8])),
				bitsPerSamp: int(binary.LittleEndian.Uint16(chunk[14:16])),
			}
			haveFmt = true
		case "data":
			body = chunk
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return wavFormat{}, nil, fmt.Errorf("wav fmt chunk missing")
	case body == nil:
		return wavFormat{}, nil, fmt.Errorf("wav data chunk missing")
	case format.channels <= 0:
		return wavFormat{}, nil, fmt.Errorf("wav declares %d channels", format.channels)
	case format.sampleRate <= 0:
		return wavFormat{}, nil, fmt.Errorf("wav declares sample rate %d", format.sampleRate)
	}
	return format, body, nil
}

// LoadTelephonyAudio turns a WAV file into 8 kHz mono mu-law, ready to be cut
// into media frames. Mu-law recordings at 8 kHz pass through untouched; 16-bit
// PCM and other mu-law rates are downmixed, resampled and encoded.
func LoadTelephonyAudio(data []byte) ([]byte, error) {
	format, body, err := readWAV(data)
	if err != nil {
		return nil, err
	}

	var pcm []byte
	switch {
	case format.code == wavFormatMuLaw && format.bitsPerSamp == 8:
		if format.channels == 1 && format.sampleRate == TelephonySampleRate {
			return append([]byte(nil), body...), nil
		}
		pcm = DecodeMuLaw(body)
	case format.code == wavFormatPCM && format.bitsPerSamp == 16:
		pcm = body[:len(body)-len(body)%2]
	default:
		return nil, fmt.Errorf("unsupported wav encoding (format %d, %d bits)", format.code, format.bitsPerSamp)
	}

	mono := downmixPCM16(pcm, format.channels)
	ulaw := EncodeMuLaw(ResamplePCM16(mono, format.sampleRate, TelephonySampleRate))
	if len(ulaw) == 0 {
		return nil, fmt.Errorf("wav holds no complete frames")
	}
	return ulaw, nil
}

// downmixPCM16 averages interleaved channels into one.
func downmixPCM16(pcm []byte, channels int) []byte {
	if channels == 1 {
		return pcm
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			at := i*frameBytes + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[at : at+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/channels)))
	}
	return mono
}
