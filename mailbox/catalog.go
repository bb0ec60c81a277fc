package mailbox

// Catalog lists well-known public disposable-mail sites. Their layouts
// change often, so none carries a fixed plan: the analyzer locates the
// address on every run.
func Catalog() []PageConfig {
	return []PageConfig{
		{Name: "guerrillamail", Tier: TierEasy, URL: "https://www.guerrillamail.com/",
			MessageSelector: "#email_list tr", SenderSelector: "td.td2", SubjectSelector: "td.td3"},
		{Name: "10minutemail", Tier: TierEasy, URL: "https://10minutemail.com/",
			MessageSelector: "#messagesList .message", SenderSelector: ".message_sender", SubjectSelector: ".message_subject"},
		{Name: "tempmail", Tier: TierMedium, URL: "https://temp-mail.org/",
			MessageSelector: ".inbox-dataList li", SenderSelector: ".inboxSenderName", SubjectSelector: ".inboxSubject"},
		{Name: "mailtm", Tier: TierMedium, URL: "https://mail.tm/",
			MessageSelector: "[role=list] a", SubjectSelector: "p"},
		{Name: "yopmail", Tier: TierHard, URL: "https://yopmail.com/",
			MessageSelector: ".m", SenderSelector: ".lmf", SubjectSelector: ".lms"},
	}
}

// CatalogEntry returns the catalog entry named name.
func CatalogEntry(name string) (PageConfig, bool) {
	for _, c := range Catalog() {
		if c.Name == name {
			return c, true
		}
	}
	return PageConfig{}, false
}
