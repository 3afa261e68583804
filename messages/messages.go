package messages

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/google/go-jsonnet"
)

//go:embed jsonnet/*
var messages embed.FS

const (
	MessagePage        = "page"
	MessageAsrProgress = "asr_progress"
	MessageAsrResult   = "asr_result"
	MessageAsrError    = "asr_error"
	MessageHistory     = "history"
	MessageTunnelReady = "tunnel_ready"
)

// Message is the rendered form of every jsonnet message. Fields a message
// doesn't set are left empty.
type Message struct {
	Title       string   `json:"title,omitempty"`
	Body        string   `json:"body,omitempty"`
	Detail      string   `json:"detail,omitempty"`
	Level       string   `json:"level,omitempty"`
	UploadLabel string   `json:"upload_label,omitempty"`
	Button      string   `json:"button,omitempty"`
	Accepted    []string `json:"accepted,omitempty"`
}

type PageData struct {
	PublicURL string `json:"public_url"`
}

type AsrProgressData struct{}

type AsrResultData struct {
	Text           string  `json:"text"`
	Model          string  `json:"model"`
	Language       string  `json:"language"`
	AudioDuration  float64 `json:"audio_duration"`
	ProcessingTime float64 `json:"processing_time"`
}

type AsrErrorData struct {
	Message string `json:"message"`
}

// history states, each with its own text
const (
	HistoryDisabled     = "disabled"
	HistoryNotFound     = "not_found"
	HistoryInvalidID    = "invalid_id"
	HistoryInvalidLimit = "invalid_limit"
	HistoryError        = "error"
)

type HistoryData struct {
	State string `json:"state"`
}

type TunnelReadyData struct {
	URL      string `json:"url"`
	Password string `json:"password"`
}

type MessageProvider struct {
	// the VM holds TLA state between calls
	mu sync.Mutex
	vm *jsonnet.VM
}

func NewMessageProvider() (*MessageProvider, error) {
	m := &MessageProvider{
		vm: jsonnet.MakeVM(),
	}

	imports := make(map[string]jsonnet.Contents)
	err := fs.WalkDir(messages, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := messages.ReadFile(path)
		if err != nil {
			return err
		}
		imports[strings.TrimPrefix(path, "jsonnet/")] = jsonnet.MakeContentsRaw(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	m.vm.Importer(&jsonnet.MemoryImporter{
		Data: imports,
	})

	_, _, err = m.vm.ImportData("anonymous", "index.jsonnet")
	if err != nil {
		return nil, fmt.Errorf("importing index: %w", err)
	}

	return m, nil
}

// ExecuteMessage evaluates the named message with data as its argument,
// returning the raw JSON output.
func (m *MessageProvider) ExecuteMessage(messageName string, data any) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshaling data: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.vm.TLAVar("message_key", messageName)
	m.vm.TLACode("data", string(jsonData))
	defer m.vm.TLAReset()

	jsonOut, err := m.vm.EvaluateAnonymousSnippet("anonymous", "function(message_key, data) (import 'index.jsonnet')[message_key](data)")
	if err != nil {
		return "", fmt.Errorf("evaluating jsonnet: %w", err)
	}

	return jsonOut, nil
}

func (m *MessageProvider) Render(messageName string, data any) (*Message, error) {
	jsonOut, err := m.ExecuteMessage(messageName, data)
	if err != nil {
		return nil, err
	}

	var output Message
	err = json.Unmarshal([]byte(jsonOut), &output)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling output: %w", err)
	}

	return &output, nil
}
