package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kaidoh/stp-proxy/pretty"
)

// logLine is one message rendered into the scrolling log pane.
type logLine struct {
	service string
	text    string
}

const maxLogLines = 200

// model is the Bubble Tea model for stp-inspect: a service list and message
// log on top of the same HTTP façade a debugger UI would poll, grounded on
// tui/model.go's Init/Update/View shape (connect-then-stream) generalized
// from a gRPC QueryEvent stream to the façade's GET /services + GET
// /get-message long-poll pair.
type model struct {
	addr   string
	client *http.Client

	services []string
	cursor   int
	enabled  map[string]bool

	log []logLine

	width  int
	height int
	err    error
	status string
}

func newModel(addr string) model {
	return model{
		addr:    addr,
		client:  &http.Client{Timeout: 35 * time.Second},
		enabled: make(map[string]bool),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchServices(m.client, m.addr), fetchMessage(m.client, m.addr))
}

// servicesMsg carries a refreshed service catalog.
type servicesMsg struct {
	names []string
	err   error
}

// frameMsg carries one delivered message from GET /get-message.
type frameMsg struct {
	service     string
	body        string
	contentType string
	timedOut    bool
	err         error
}

// enabledMsg acknowledges a GET /enable/{svc} round trip.
type enabledMsg struct {
	service string
	ok      bool
}

func fetchServices(client *http.Client, addr string) tea.Cmd {
	return func() tea.Msg {
		names, err := getServiceNames(client, addr)
		return servicesMsg{names: names, err: err}
	}
}

func getServiceNames(client *http.Client, addr string) ([]string, error) {
	resp, err := client.Get("http://" + addr + "/services")
	if err != nil {
		return nil, fmt.Errorf("stp-inspect: get services: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("stp-inspect: read services: %w", err)
	}
	return parseServiceNames(string(body)), nil
}

// parseServiceNames extracts name="..." attributes out of the façade's
// literal <services><service name="..."/>...</services> XML without
// pulling in a full XML parser for three attribute reads.
func parseServiceNames(body string) []string {
	var names []string
	for {
		i := strings.Index(body, `name="`)
		if i < 0 {
			break
		}
		body = body[i+len(`name="`):]
		j := strings.Index(body, `"`)
		if j < 0 {
			break
		}
		names = append(names, body[:j])
		body = body[j+1:]
	}
	return names
}

func fetchMessage(client *http.Client, addr string) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.Get("http://" + addr + "/get-message")
		if err != nil {
			return frameMsg{err: fmt.Errorf("stp-inspect: get-message: %w", err)}
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return frameMsg{err: fmt.Errorf("stp-inspect: read message: %w", err)}
		}
		text := string(body)
		if text == "<timeout/>" {
			return frameMsg{timedOut: true}
		}
		return frameMsg{
			service:     resp.Header.Get("X-Scope-Message-Service"),
			body:        text,
			contentType: resp.Header.Get("Content-Type"),
		}
	}
}

func enableService(client *http.Client, addr, svc string) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.Get("http://" + addr + "/enable/" + svc)
		if err != nil {
			return enabledMsg{service: svc, ok: false}
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return enabledMsg{service: svc, ok: strings.TrimSpace(string(body)) == "<ok/>"}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case servicesMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.services = msg.names
		if m.cursor >= len(m.services) {
			m.cursor = max(len(m.services)-1, 0)
		}
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return refreshServicesMsg{}
		})

	case refreshServicesMsg:
		return m, fetchServices(m.client, m.addr)

	case frameMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, fetchMessage(m.client, m.addr)
		}
		if !msg.timedOut {
			(&m).pushLog(msg)
		}
		return m, fetchMessage(m.client, m.addr)

	case enabledMsg:
		if msg.ok {
			m.enabled[msg.service] = true
			m.status = "enabled " + msg.service
		} else {
			m.status = "failed to enable " + msg.service
		}
		return m, nil

	case tea.KeyMsg:
		return m.updateKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}
	return m, nil
}

// refreshServicesMsg triggers the next periodic GET /services poll.
type refreshServicesMsg struct{}

func (m *model) pushLog(f frameMsg) {
	text := f.body
	if strings.TrimSpace(text) != "" {
		if f.contentType == "application/json" {
			text = pretty.JSON(text)
		} else {
			text = pretty.XML(text)
		}
	}
	m.log = append(m.log, logLine{service: f.service, text: text})
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.services)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "enter":
		if m.cursor < len(m.services) {
			svc := m.services[m.cursor]
			return m, enableService(m.client, m.addr, svc)
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return ""
	}
	if m.err != nil {
		return friendlyError(m.err, m.width)
	}

	listWidth := max(m.width/3, 20)
	logWidth := max(m.width-listWidth-3, 20)

	list := m.renderServiceList(listWidth, m.height-3)
	logBox := m.renderLog(logWidth, m.height-3)

	body := lipgloss.JoinHorizontal(lipgloss.Top, list, " ", logBox)
	footer := "q: quit  j/k: navigate  enter: enable"
	if m.status != "" {
		footer += "  [" + m.status + "]"
	}
	return strings.Join([]string{body, footer}, "\n")
}

func friendlyError(err error, width int) string {
	msg := "Error: " + err.Error()
	if strings.Contains(err.Error(), "connection refused") {
		msg = "Could not reach stp-proxyd's HTTP façade.\n\n" + msg
	}
	return lipgloss.NewStyle().Width(width).Render(msg)
}
