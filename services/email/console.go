package emailsvc

import (
	"fmt"
	"log"
	"net/mail"
	"strings"
	"sync"

	"github.com/DICKSON39/elearning/core"
)

// consoleService writes emails to the console. For local dev and tests.
type consoleService struct {
	std  *log.Logger
	sync bool // wait for sends; tests need deterministic output

	mu   sync.Mutex
	sent []core.EmailMessage
}

var _ core.EmailService = (*consoleService)(nil)

func NewConsoleService(std *log.Logger) *consoleService {
	return &consoleService{std: std}
}

// NewConsoleServiceMock sends synchronously and records sent messages.
func NewConsoleServiceMock(std *log.Logger) *consoleService {
	return &consoleService{std: std, sync: true}
}

func (svc *consoleService) SendMessages(messages ...*core.EmailMessage) {
	var wg sync.WaitGroup
	for _, msg := range messages {
		msg := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if msg.HasRecipients() && msg.HasContent() {
				svc.send(*msg)
			}
		}()
	}
	if svc.sync {
		wg.Wait()
	}
}

func (svc *consoleService) send(msg core.EmailMessage) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.std.Printf(
		"To: %s\nSubject: %s\n%s\n%s\n",
		joinAddresses(msg.To), msg.Subject, msg.BodyStr, strings.Repeat("-", 70),
	)
	svc.sent = append(svc.sent, msg)
}

// SentMessages returns a copy of the messages sent so far (mock only).
func (svc *consoleService) SentMessages() []core.EmailMessage {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]core.EmailMessage(nil), svc.sent...)
}

func joinAddresses(addrs []mail.Address) string {
	strs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strs = append(strs, fmt.Sprintf("%q <%s>", addr.Name, addr.Address))
	}
	return strings.Join(strs, ", ")
}
