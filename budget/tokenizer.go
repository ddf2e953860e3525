package budget

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// gptFallbackEncoding is used for GPT model names tiktoken does not know.
const gptFallbackEncoding = tiktoken.MODEL_O200K_BASE

// Tokenizer counts tokens the way a vendor's model does.
type Tokenizer interface {
	CountTokens(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenCounter) CountTokens(text string) int {
	return len(t.enc.EncodeOrdinary(text))
}

var (
	loaderOnce sync.Once

	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

// GPTTokenizer returns the tiktoken encoding for an OpenAI model. It returns
// nil when no encoding can be loaded, which leaves the estimator on ratios.
func GPTTokenizer(model string) Tokenizer {
	loaderOnce.Do(func() {
		// Encodings ship embedded; nothing is downloaded at runtime.
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	encodersMu.Lock()
	defer encodersMu.Unlock()

	if enc, ok := encoders[model]; ok {
		if enc == nil {
			return nil
		}
		return tiktokenCounter{enc: enc}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(gptFallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	encoders[model] = enc
	if enc == nil {
		return nil
	}
	return tiktokenCounter{enc: enc}
}
