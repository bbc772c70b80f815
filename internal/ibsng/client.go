package ibsng

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrAccountNotFound возвращается, когда панель не знает такую учётную запись.
var ErrAccountNotFound = errors.New("account not found in panel")

const (
	loginPath       = "/IBSng/admin/"
	userInfoPath    = "/IBSng/admin/user/user_info.php"
	editPath        = "/IBSng/admin/plugins/edit.php"
	connectionsPath = "/IBSng/admin/report/connections.php"

	// resetGroup — стартовая группа, в которую учётная запись
	// возвращается при сбросе, до назначения группы тарифа.
	resetGroup = "Starter-Bot"

	noValue = "---------------"
)

// Client реализует Gateway поверх HTML-форм админки IBSng.
type Client struct {
	baseURL  string
	username string
	password string
	http     *retryablehttp.Client
}

var _ Gateway = (*Client)(nil)

// NewClient создаёт клиент панели. Повторы при сетевых сбоях и ограничение
// времени одного вызова заданы на уровне HTTP-клиента, чтобы зависший
// запрос не удерживал проход дольше необходимого.
func NewClient(baseURL, username, password string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.HTTPClient.Jar = jar
	rc.Logger = nil

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     rc,
	}, nil
}

// login выполняет вход в админку. Панель держит сессию в cookie;
// вход повторяется перед каждой операцией, поскольку надёжного
// признака протухшей сессии у панели нет.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}

	_, err := c.postForm(ctx, loginPath, form)
	if err != nil {
		return fmt.Errorf("panel login: %w", err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	return string(body), nil
}

// infoValue извлекает значение из двухколоночной таблицы страницы
// информации о пользователе: ячейка с подписью, следом ячейка со значением.
func infoValue(page, label string) string {
	re := regexp.MustCompile(`(?is)<td[^>]*>\s*` + regexp.QuoteMeta(label) + `\s*:?\s*</td>\s*<td[^>]*>(.*?)</td>`)
	m := re.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(stripTags(m[1]))
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return tagRe.ReplaceAllString(s, "")
}

func (c *Client) userInfoPage(ctx context.Context, username string) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", err
	}

	form := url.Values{"normal_username_multi": {username}}
	page, err := c.postForm(ctx, userInfoPath, form)
	if err != nil {
		return "", fmt.Errorf("user info: %w", err)
	}
	return page, nil
}

// ResolveAccountID возвращает внутренний идентификатор учётной записи.
func (c *Client) ResolveAccountID(ctx context.Context, username string) (string, error) {
	page, err := c.userInfoPage(ctx, username)
	if err != nil {
		return "", err
	}

	id := infoValue(page, "User ID")
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	return id, nil
}

// GetServiceWindow возвращает метки первого входа и ближайшего истечения.
func (c *Client) GetServiceWindow(ctx context.Context, username string) (string, string, error) {
	page, err := c.userInfoPage(ctx, username)
	if err != nil {
		return "", "", err
	}

	if infoValue(page, "User ID") == "" {
		return "", "", fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}

	startsAt := infoValue(page, "First Login")
	expiresAt := infoValue(page, "Nearest Expiration Date")
	if startsAt == noValue {
		startsAt = ""
	}
	if expiresAt == noValue {
		expiresAt = ""
	}

	return startsAt, expiresAt, nil
}

// edit отправляет форму редактирования учётной записи.
func (c *Client) edit(ctx context.Context, username string, fields url.Values) error {
	id, err := c.ResolveAccountID(ctx, username)
	if err != nil {
		return err
	}

	form := url.Values{
		"target":    {"user"},
		"target_id": {id},
		"update":    {"1"},
	}
	for k, vs := range fields {
		for _, v := range vs {
			form.Add(k, v)
		}
	}

	if _, err := c.postForm(ctx, editPath, form); err != nil {
		return fmt.Errorf("edit account %s: %w", username, err)
	}
	return nil
}

// ApplyGroup назначает учётной записи группу тарифного плана.
func (c *Client) ApplyGroup(ctx context.Context, username, group string) error {
	return c.edit(ctx, username, url.Values{
		"edit_tpl_cs":          {"group_name"},
		"attr_update_method_0": {"groupName"},
		"group_name":           {group},
	})
}

// ResetAccount сбрасывает счётчики времени, возвращает стартовую группу,
// снимает блокировку и очищает radius-атрибуты. Повторный вызов безопасен.
func (c *Client) ResetAccount(ctx context.Context, username string) error {
	if err := c.edit(ctx, username, url.Values{
		"edit_tpl_cs":          {"rel_exp_date,abs_exp_date,first_login"},
		"tab1_selected":        {"Exp_Dates"},
		"attr_update_method_0": {"relExpDate"},
		"attr_update_method_1": {"absExpDate"},
		"attr_update_method_2": {"firstLogin"},
		"reset_first_login":    {"t"},
	}); err != nil {
		return fmt.Errorf("reset times: %w", err)
	}

	if err := c.ApplyGroup(ctx, username, resetGroup); err != nil {
		return fmt.Errorf("reset group: %w", err)
	}

	if err := c.edit(ctx, username, url.Values{
		"edit_tpl_cs":          {"lock"},
		"tab1_selected":        {"Main"},
		"attr_update_method_0": {"lock"},
	}); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	if err := c.edit(ctx, username, url.Values{
		"edit_tpl_cs":          {"radius_attrs"},
		"tab1_selected":        {"Misc"},
		"attr_update_method_0": {"radiusAttrs"},
	}); err != nil {
		return fmt.Errorf("reset radius attrs: %w", err)
	}

	return nil
}

var (
	attrCellRe = regexp.MustCompile(`(?is)<td[^>]*class="Form_Content_Row_Right_textarea_td[^"]*"[^>]*>(.*?)</td>`)
	attrPairRe = regexp.MustCompile(`([A-Za-z-]+)="([^"]+)"`)
)

// GetRadiusAttributes возвращает текущие radius-атрибуты учётной записи.
// Пустая карта означает, что атрибутов нет.
func (c *Client) GetRadiusAttributes(ctx context.Context, username string) (map[string]string, error) {
	page, err := c.userInfoPage(ctx, username)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]string)
	for _, cell := range attrCellRe.FindAllStringSubmatch(page, -1) {
		for _, pair := range attrPairRe.FindAllStringSubmatch(cell[1], -1) {
			attrs[pair[1]] = pair[2]
		}
		if len(attrs) > 0 {
			break
		}
	}

	return attrs, nil
}

// ApplyRadiusAttributes записывает radius-атрибуты целиком, затирая прежние.
func (c *Client) ApplyRadiusAttributes(ctx context.Context, username, attrs string) error {
	return c.edit(ctx, username, url.Values{
		"edit_tpl_cs":          {"radius_attrs"},
		"tab1_selected":        {"Misc"},
		"attr_update_method_0": {"radiusAttrs"},
		"has_radius_attrs":     {"t"},
		"radius_attrs":         {attrs},
	})
}

var usageCellRe = regexp.MustCompile(`(?is)Report\s+Total\s+(In|Out)\s+Bytes:\s*</td>\s*<td[^>]*>(.*?)</td>`)

// GetCumulativeUsage возвращает суммарный трафик за окно обслуживания
// по отчёту соединений панели.
func (c *Client) GetCumulativeUsage(ctx context.Context, username, startsAt, expiresAt string) (int64, int64, error) {
	id, err := c.ResolveAccountID(ctx, username)
	if err != nil {
		return 0, 0, err
	}

	form := url.Values{
		"show_reports":          {"1"},
		"page":                  {"1"},
		"admin_connection_logs": {"1"},
		"user_ids":              {id},
		"owner":                 {"All"},
		"login_time_from":       {startsAt},
		"login_time_from_unit":  {"jalali"},
		"login_time_to":         {expiresAt},
		"login_time_to_unit":    {"jalali"},
		"show_total_duration":   {"on"},
		"show_total_inouts":     {"on"},
		"successful_yes":        {"on"},
		"order_by":              {"login_time"},
		"rpp":                   {"20"},
	}

	page, err := c.postForm(ctx, connectionsPath, form)
	if err != nil {
		return 0, 0, fmt.Errorf("connections report: %w", err)
	}

	var sentMB, receivedMB int64
	var haveIn, haveOut bool
	for _, m := range usageCellRe.FindAllStringSubmatch(page, -1) {
		mb, err := parseTrafficMB(strings.TrimSpace(stripTags(m[2])))
		if err != nil {
			return 0, 0, fmt.Errorf("parse traffic value: %w", err)
		}
		// In — принятый пользователем трафик, Out — отправленный.
		if strings.EqualFold(m[1], "In") {
			receivedMB = mb
			haveIn = true
		} else {
			sentMB = mb
			haveOut = true
		}
	}

	if !haveIn || !haveOut {
		return 0, 0, fmt.Errorf("usage totals not found in report for %s", username)
	}

	return sentMB, receivedMB, nil
}

// parseTrafficMB переводит значение вида "12.3G", "512M", "100K" в мегабайты.
func parseTrafficMB(s string) (int64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("malformed traffic value %q", s)
	}

	num, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed traffic value %q: %w", s, err)
	}

	switch strings.ToUpper(s[len(s)-1:]) {
	case "B":
		return 0, nil
	case "K":
		return int64(num / 1024), nil
	case "M":
		return int64(num), nil
	case "G":
		return int64(num * 1024), nil
	default:
		return 0, fmt.Errorf("unknown traffic unit in %q", s)
	}
}
