package importer

import (
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Extracted 是从邮件中尽力提取的线索，调用方只能把它当作提示。
type Extracted struct {
	Title    string
	Company  string
	Platform string
}

type subjectPattern struct {
	re      *regexp.Regexp
	title   int
	company int
}

var subjectPatterns = []subjectPattern{
	{regexp.MustCompile(`(?i)your application (?:to|for) (?:the )?(.+?) (?:position |role )?at (.+)$`), 1, 2},
	{regexp.MustCompile(`(?i)thank you for applying (?:to|for) (?:the )?(.+?) (?:position |role )?at (.+)$`), 1, 2},
	{regexp.MustCompile(`(?i)you applied (?:to|for) (?:the )?(.+?) at (.+)$`), 1, 2},
	{regexp.MustCompile(`(?i)application (?:received|submitted|confirmation)\s*[:\-–]\s*(.+?) at (.+)$`), 1, 2},
	{regexp.MustCompile(`(?i)^(.+?)\s*[:\-–|]\s*application (?:received|submitted)$`), 0, 1},
	{regexp.MustCompile(`(?i)thank you for (?:your )?(?:applying|application|interest) (?:to|in|at) (.+)$`), 0, 1},
}

var (
	bodyTitleRe    = regexp.MustCompile(`(?im)^\s*(?:position|job title|role)\s*:\s*(.+)$`)
	bodyCompanyRe  = regexp.MustCompile(`(?im)^\s*(?:company|employer)\s*:\s*(.+)$`)
	bodySentenceRe = regexp.MustCompile(`(?i)(?:applying|application) (?:for|to) the (.+?) (?:position|role) at ([^.,\n]+)`)
	replyPrefixRe  = regexp.MustCompile(`(?i)^(?:(?:re|fwd?|aw)\s*:\s*)+`)
	senderSuffixRe = regexp.MustCompile(`(?i)\s+(?:careers|recruiting|recruitment|talent(?: acquisition)?|hiring(?: team)?|jobs|hr)$`)
)

var platformDomains = []struct{ domain, platform string }{
	{"linkedin.com", "linkedin"},
	{"indeed.com", "indeed"},
	{"glassdoor.com", "glassdoor"},
	{"ziprecruiter.com", "ziprecruiter"},
	{"wellfound.com", "wellfound"},
	{"greenhouse.io", "greenhouse"},
	{"lever.co", "lever"},
	{"myworkday.com", "workday"},
	{"workday.com", "workday"},
	{"smartrecruiters.com", "smartrecruiters"},
	{"ashbyhq.com", "ashby"},
	{"icims.com", "icims"},
}

// Extract 从主题、正文与发件人中匹配职位名称、公司与平台。
func Extract(e Email) Extracted {
	var out Extracted
	out.Platform = platformFromSender(e.From)

	subject := replyPrefixRe.ReplaceAllString(strings.TrimSpace(e.Subject), "")
	for _, p := range subjectPatterns {
		m := p.re.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		if p.title > 0 && out.Title == "" {
			out.Title = clean(m[p.title])
		}
		if out.Company == "" {
			out.Company = clean(m[p.company])
		}
		if out.Title != "" && out.Company != "" {
			break
		}
	}

	text := e.Body
	if text == "" && e.HTML != "" {
		text = htmlToText(e.HTML)
	}
	if text == "" {
		text = e.Snippet
	}
	if out.Title == "" {
		if m := bodyTitleRe.FindStringSubmatch(text); m != nil {
			out.Title = clean(m[1])
		}
	}
	if out.Company == "" {
		if m := bodyCompanyRe.FindStringSubmatch(text); m != nil {
			out.Company = clean(m[1])
		}
	}
	if out.Title == "" || out.Company == "" {
		if m := bodySentenceRe.FindStringSubmatch(text); m != nil {
			if out.Title == "" {
				out.Title = clean(m[1])
			}
			if out.Company == "" {
				out.Company = clean(m[2])
			}
		}
	}
	if out.Company == "" && out.Platform != "linkedin" && out.Platform != "indeed" {
		out.Company = companyFromSender(e.From)
	}
	return out
}

func platformFromSender(from string) string {
	addr := senderAddress(from)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	domain := strings.ToLower(addr[at+1:])
	for _, d := range platformDomains {
		if domain == d.domain || strings.HasSuffix(domain, "."+d.domain) {
			return d.platform
		}
	}
	return ""
}

func companyFromSender(from string) string {
	parsed, err := mail.ParseAddress(from)
	if err != nil || parsed.Name == "" {
		return ""
	}
	name := senderSuffixRe.ReplaceAllString(strings.TrimSpace(parsed.Name), "")
	if strings.Contains(strings.ToLower(name), "no-reply") || strings.Contains(strings.ToLower(name), "noreply") {
		return ""
	}
	return clean(name)
}

func senderAddress(from string) string {
	if parsed, err := mail.ParseAddress(from); err == nil {
		return parsed.Address
	}
	return strings.Trim(strings.TrimSpace(from), "<>")
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!,;:")
}

// htmlToText 把 HTML 正文展平成纯文本，块级元素之间换行，忽略 script/style。
func htmlToText(htmlText string) string {
	node, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head":
				return
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4":
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
