package extract

import "regexp"

// Field names known to the extractor.
const (
	FieldCard        = "job_card"
	FieldTitle       = "title"
	FieldLink        = "link"
	FieldCompany     = "company"
	FieldLocation    = "location"
	FieldSalary      = "salary"
	FieldDescription = "description"
	FieldTechs       = "technologies"
	FieldBenefits    = "benefits"
	FieldWorkMode    = "work_mode"
	FieldLevel       = "level"
	FieldPostedAt    = "posted_at"

	// Pagination probes, scored like any data field.
	FieldPageNumeric  = "pagination_numeric"
	FieldPageNext     = "pagination_next"
	FieldPageInfinite = "pagination_infinite"
)

var (
	urlish   = regexp.MustCompile(`^(https?://|/)\S+$`)
	moneyish = regexp.MustCompile(`(\d[\d.,]*)`)
	dateish  = regexp.MustCompile(`\d`)
)

// defaultAcceptors are the lightweight per-field shape checks applied to
// raw values before they count as a strategy success.
func defaultAcceptors() map[string]Acceptor {
	return map[string]Acceptor{
		FieldTitle:       {MinLen: 3, MaxLen: 200},
		FieldLink:        {MinLen: 2, MaxLen: 2048, Pattern: urlish},
		FieldCompany:     {MinLen: 2, MaxLen: 150},
		FieldLocation:    {MinLen: 2, MaxLen: 120},
		FieldSalary:      {MinLen: 2, MaxLen: 100, Pattern: moneyish},
		FieldDescription: {MinLen: 10, MaxLen: 50000},
		FieldTechs:       {MinLen: 1, MaxLen: 2000},
		FieldBenefits:    {MinLen: 2, MaxLen: 5000},
		FieldWorkMode:    {MinLen: 4, MaxLen: 60},
		FieldLevel:       {MinLen: 2, MaxLen: 60},
		FieldPostedAt:    {MinLen: 4, MaxLen: 60, Pattern: dateish},
		FieldPageNumeric: {MinLen: 1, MaxLen: 10},
		FieldPageNext:    {MinLen: 1, MaxLen: 2048},
	}
}

// defaultStrategies returns the built-in ordered strategy groups. The
// orderings drift at runtime as reliability scores accumulate.
func defaultStrategies() map[string][]*Strategy {
	return map[string][]*Strategy{
		FieldTitle: {
			{Name: `h2 a[href*="/vagas/"]`, Eval: CSS(`h2 a[href*="/vagas/"]`), Confidence: 0.9},
			{Name: `[data-testid="job-title"]`, Eval: CSS(`[data-testid="job-title"]`), Confidence: 0.85},
			{Name: `h1.job-title`, Eval: CSS(`h1.job-title`), Confidence: 0.8},
			{Name: `xpath://h2/a`, Eval: XPath(`//h2/a`), Confidence: 0.7},
			{Name: `.vaga-title a`, Eval: CSS(`.vaga-title a`), Confidence: 0.6},
			{Name: `[class*="title"] a`, Eval: CSS(`[class*="title"] a`), Confidence: 0.5},
		},
		FieldLink: {
			{Name: `h2 a[href]`, Eval: CSSAttr(`h2 a[href]`, "href"), Confidence: 0.9},
			{Name: `[data-testid="job-link"]`, Eval: CSSAttr(`[data-testid="job-link"]`, "href"), Confidence: 0.85},
			{Name: `a[href*="/vagas/"]`, Eval: CSSAttr(`a[href*="/vagas/"]`, "href"), Confidence: 0.8},
			{Name: `.job-link`, Eval: CSSAttr(`.job-link`, "href"), Confidence: 0.7},
			{Name: `a.job-card-link`, Eval: CSSAttr(`a.job-card-link`, "href"), Confidence: 0.6},
		},
		FieldCompany: {
			{Name: `[data-testid="company-name"]`, Eval: CSS(`[data-testid="company-name"]`), Confidence: 0.9},
			{Name: `[class*="company"]`, Eval: CSS(`[class*="company"]`), Confidence: 0.7},
			{Name: `[class*="empresa"]`, Eval: CSS(`[class*="empresa"]`), Confidence: 0.7},
			{Name: `.job-company`, Eval: CSS(`.job-company`), Confidence: 0.6},
			{Name: `xpath://span[contains(@class,"company")]`, Eval: XPath(`//span[contains(@class,"company")]`), Confidence: 0.5},
		},
		FieldLocation: {
			{Name: `[data-testid="job-location"]`, Eval: CSS(`[data-testid="job-location"]`), Confidence: 0.9},
			{Name: `button[title*="Local"]`, Eval: CSS(`button[title*="Local"]`), Confidence: 0.8},
			{Name: `span:home-office`, Eval: TextHas("span", "home office"), Confidence: 0.8},
			{Name: `span:remoto`, Eval: TextHas("span", "remoto"), Confidence: 0.8},
			{Name: `[class*="location"]`, Eval: CSS(`[class*="location"]`), Confidence: 0.7},
			{Name: `[class*="local"]`, Eval: CSS(`[class*="local"]`), Confidence: 0.6},
			{Name: `[class*="cidade"]`, Eval: CSS(`[class*="cidade"]`), Confidence: 0.5},
		},
		FieldSalary: {
			{Name: `[data-testid="salary"]`, Eval: CSS(`[data-testid="salary"]`), Confidence: 0.9},
			{Name: `[data-testid="job-salary"]`, Eval: CSS(`[data-testid="job-salary"]`), Confidence: 0.9},
			{Name: `.salary`, Eval: CSS(`.salary`), Confidence: 0.8},
			{Name: `span:R$`, Eval: TextHas("span", "R$"), Confidence: 0.8},
			{Name: `[class*="salario"]`, Eval: CSS(`[class*="salario"]`), Confidence: 0.7},
			{Name: `[class*="salary"]`, Eval: CSS(`[class*="salary"]`), Confidence: 0.7},
			{Name: `[class*="remuneracao"]`, Eval: CSS(`[class*="remuneracao"]`), Confidence: 0.6},
			{Name: `xpath://span[contains(text(),"R$")]`, Eval: XPath(`//span[contains(text(),"R$")]`), Confidence: 0.6},
		},
		FieldDescription: {
			{Name: `[data-testid="job-description"]`, Eval: CSS(`[data-testid="job-description"]`), Confidence: 0.9},
			{Name: `.job-description`, Eval: CSS(`.job-description`), Confidence: 0.8},
			{Name: `[class*="description"]`, Eval: CSS(`[class*="description"]`), Confidence: 0.7},
			{Name: `[class*="descricao"]`, Eval: CSS(`[class*="descricao"]`), Confidence: 0.6},
			{Name: `section:descricao`, Eval: TextHas("section", "descrição"), Confidence: 0.5},
		},
		FieldTechs: {
			{Name: `[data-testid="job-technologies"]`, Eval: CSS(`[data-testid="job-technologies"]`), Confidence: 0.9},
			{Name: `.technologies`, Eval: CSS(`.technologies`), Confidence: 0.8},
			{Name: `[class*="tech"]`, Eval: CSS(`[class*="tech"]`), Confidence: 0.7},
			{Name: `[class*="skill"]`, Eval: CSS(`[class*="skill"]`), Confidence: 0.6},
			{Name: `.tags`, Eval: CSS(`.tags`), Confidence: 0.5},
		},
		FieldBenefits: {
			{Name: `[data-testid="job-benefits"]`, Eval: CSS(`[data-testid="job-benefits"]`), Confidence: 0.9},
			{Name: `[class*="benefit"]`, Eval: CSS(`[class*="benefit"]`), Confidence: 0.7},
			{Name: `[class*="beneficio"]`, Eval: CSS(`[class*="beneficio"]`), Confidence: 0.7},
			{Name: `section:beneficios`, Eval: TextHas("section", "benefícios"), Confidence: 0.5},
		},
		FieldWorkMode: {
			{Name: `[data-testid="work-mode"]`, Eval: CSS(`[data-testid="work-mode"]`), Confidence: 0.9},
			{Name: `[class*="work-mode"]`, Eval: CSS(`[class*="work-mode"]`), Confidence: 0.7},
			{Name: `[class*="modalidade"]`, Eval: CSS(`[class*="modalidade"]`), Confidence: 0.7},
			{Name: `span:hibrido`, Eval: TextHas("span", "híbrido"), Confidence: 0.6},
			{Name: `span:presencial`, Eval: TextHas("span", "presencial"), Confidence: 0.6},
		},
		FieldLevel: {
			{Name: `[data-testid="job-level"]`, Eval: CSS(`[data-testid="job-level"]`), Confidence: 0.9},
			{Name: `[class*="level"]`, Eval: CSS(`[class*="level"]`), Confidence: 0.7},
			{Name: `[class*="senioridade"]`, Eval: CSS(`[class*="senioridade"]`), Confidence: 0.7},
			{Name: `[class*="nivel"]`, Eval: CSS(`[class*="nivel"]`), Confidence: 0.6},
		},
		FieldPostedAt: {
			{Name: `time[datetime]`, Eval: CSSAttr(`time[datetime]`, "datetime"), Confidence: 0.9},
			{Name: `[data-testid="posted-at"]`, Eval: CSS(`[data-testid="posted-at"]`), Confidence: 0.8},
			{Name: `[class*="published"]`, Eval: CSS(`[class*="published"]`), Confidence: 0.6},
			{Name: `[class*="data"]`, Eval: CSS(`[class*="data"]`), Confidence: 0.4},
		},
		FieldPageNumeric: {
			{Name: `.pagination a.active`, Eval: CSS(`.pagination a.active`), Confidence: 0.8},
			{Name: `[data-testid="pagination-current"]`, Eval: CSS(`[data-testid="pagination-current"]`), Confidence: 0.8},
			{Name: `nav[aria-label*="agina"] .current`, Eval: CSS(`nav[aria-label*="agina"] .current`), Confidence: 0.6},
		},
		FieldPageNext: {
			{Name: `a[rel="next"]`, Eval: CSSAttr(`a[rel="next"]`, "href"), Confidence: 0.9},
			{Name: `[data-testid="pagination-next"]`, Eval: CSSAttr(`[data-testid="pagination-next"]`, "href"), Confidence: 0.85},
			{Name: `a.next`, Eval: CSSAttr(`a.next`, "href"), Confidence: 0.7},
			{Name: `xpath://a[contains(text(),"Próxima")]`, Eval: XPath(`//a[contains(text(),"Próxima")]/@href`), Confidence: 0.5},
		},
		FieldPageInfinite: {
			{Name: `[data-infinite-scroll]`, Eval: CSSAttr(`[data-infinite-scroll]`, "data-infinite-scroll"), Confidence: 0.8},
			{Name: `button.load-more`, Eval: CSS(`button.load-more`), Confidence: 0.6},
		},
	}
}

// cardSelectors locate the repeated job-card containers on a listing page,
// in fallback order.
var cardSelectors = []string{
	`[data-testid="job-card"]`,
	`li.job-card`,
	`article.vaga`,
	`.job-list > li`,
	`[class*="job-card"]`,
	`ul.vagas > li`,
}
