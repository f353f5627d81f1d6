package vocab

// Tables bundles the two dictionaries consumed by the extractor and the flow controller.
type Tables struct {
	Vocabulary *Vocabulary
	Controls   *ControlTable
}

// File is the on-disk shape of a vocabulary override.
type File struct {
	Categories []Category  `yaml:"categories"`
	Controls   []PhraseSet `yaml:"controls"`
}

// BuiltinCategories are the default value dictionaries. Canonical values are Polish;
// English words are synonyms of the same values.
func BuiltinCategories() []Category {
	return []Category{
		{Name: "tone", Entries: []Entry{
			{Value: "zabawny", Synonyms: []string{"zabawnie", "zabawna", "zabawne", "śmieszny", "śmiesznie", "humorystyczny", "funny", "fun", "humorous", "playful"}},
			{Value: "profesjonalny", Synonyms: []string{"profesjonalnie", "profesjonalna", "profesjonalne", "formalny", "formalnie", "professional", "formal"}},
			{Value: "swobodny", Synonyms: []string{"swobodnie", "swobodna", "luźny", "luźno", "casual", "relaxed", "informal"}},
			{Value: "inspirujący", Synonyms: []string{"inspirująco", "inspirująca", "motywujący", "motywująco", "inspiring", "motivational"}},
			{Value: "informacyjny", Synonyms: []string{"informacyjnie", "rzeczowy", "rzeczowo", "informative", "informational", "factual"}},
		}},
		{Name: "platform", Entries: []Entry{
			{Value: "instagram", Synonyms: []string{"instagramie", "insta", "ig"}},
			{Value: "facebook", Synonyms: []string{"facebooku", "fb"}},
			{Value: "linkedin", Synonyms: []string{"linkedinie", "linkedina"}},
			{Value: "twitter", Synonyms: []string{"twitterze", "tweet", "tweeta"}},
			{Value: "tiktok", Synonyms: []string{"tiktoku", "tik tok"}},
		}},
		{Name: "audience", Entries: []Entry{
			{Value: "młodzież", Synonyms: []string{"młodzieży", "nastolatki", "nastolatków", "młodych", "teens", "teenagers", "youth"}},
			{Value: "profesjonaliści", Synonyms: []string{"profesjonalistów", "specjaliści", "specjalistów", "eksperci", "ekspertów", "professionals", "experts", "b2b"}},
			{Value: "klienci", Synonyms: []string{"klientów", "klientom", "customers", "clients"}},
			{Value: "ogólna", Synonyms: []string{"ogólny", "ogólnie", "wszyscy", "wszystkich", "everyone", "general"}},
			{Value: "studenci", Synonyms: []string{"studentów", "studentom", "students"}},
		}},
		{Name: "post_kind", Entries: []Entry{
			{Value: "promocyjny", Synonyms: []string{"promocyjna", "promocja", "promotional"}},
			{Value: "edukacyjny", Synonyms: []string{"edukacyjna", "poradnik", "porady", "educational", "tips"}},
			{Value: "ogłoszenie", Synonyms: []string{"ogłoszenia", "announcement", "news"}},
			{Value: "wydarzenie", Synonyms: []string{"wydarzeniu", "event"}},
		}},
		{Name: "style", Entries: []Entry{
			{Value: "realistyczny", Synonyms: []string{"realistycznie", "fotorealistyczny", "realistic", "photorealistic", "photo"}},
			{Value: "ilustracja", Synonyms: []string{"ilustracji", "rysunek", "kreskówka", "illustration", "cartoon", "drawing"}},
			{Value: "minimalistyczny", Synonyms: []string{"minimalistycznie", "minimalizm", "minimalist", "minimal"}},
			{Value: "akwarela", Synonyms: []string{"akwareli", "watercolor", "watercolour"}},
		}},
		{Name: "format", Entries: []Entry{
			{Value: "kwadrat", Synonyms: []string{"kwadratowy", "kwadratowe", "square"}},
			{Value: "pionowy", Synonyms: []string{"pionowe", "pion", "portrait", "vertical", "story", "9 16"}},
			{Value: "poziomy", Synonyms: []string{"poziome", "poziom", "landscape", "horizontal", "16 9"}},
		}},
		{Name: "seniority", Entries: []Entry{
			{Value: "junior", Synonyms: []string{"juniora", "młodszy", "entry level"}},
			{Value: "mid", Synonyms: []string{"regular", "średni", "middle"}},
			{Value: "senior", Synonyms: []string{"seniora", "starszy"}},
			{Value: "lead", Synonyms: []string{"lider", "leader", "kierownik", "team lead"}},
		}},
		{Name: "currency", Entries: []Entry{
			{Value: "PLN", Synonyms: []string{"zł", "złotych", "złote", "złoty"}},
			{Value: "EUR", Synonyms: []string{"euro"}},
			{Value: "USD", Synonyms: []string{"dolar", "dolarów", "dollar", "dollars"}},
		}},
	}
}

// BuiltinControls are the default control phrases for pl and en.
func BuiltinControls() []PhraseSet {
	return []PhraseSet{
		{Locale: "pl", Phrases: map[Command][]string{
			CmdConfirm:      {"tak", "ok", "okej", "potwierdzam", "zatwierdzam", "zatwierdź", "wykonaj", "zgoda", "dobrze", "pasuje", "jasne"},
			CmdCancel:       {"anuluj", "nie", "rezygnuję", "przerwij", "stop", "zrezygnuj"},
			CmdModify:       {"zmień", "popraw", "edytuj", "modyfikuj", "chcę zmienić", "zmiana"},
			CmdUndo:         {"cofnij", "przywróć", "cofnij zmianę", "cofnij to"},
			CmdUseDefaults:  {"użyj domyślnych", "domyślne", "domyślnie", "ustawienia domyślne", "wartości domyślne", "obojętnie", "wszystko jedno"},
			CmdDontAskAgain: {"nie pytaj więcej", "nie pytaj mnie więcej", "nie pytaj", "zawsze domyślne"},
		}},
		{Locale: "en", Phrases: map[Command][]string{
			CmdConfirm:      {"yes", "yep", "ok", "okay", "confirm", "go ahead", "do it", "sure", "sounds good"},
			CmdCancel:       {"cancel", "no", "abort", "stop", "nevermind", "never mind"},
			CmdModify:       {"modify", "change", "edit", "adjust"},
			CmdUndo:         {"undo", "revert", "go back"},
			CmdUseDefaults:  {"use defaults", "use default", "defaults", "default", "whatever", "any"},
			CmdDontAskAgain: {"don't ask again", "dont ask again", "do not ask again", "stop asking", "never ask"},
		}},
	}
}

// Builtin compiles the default tables.
func Builtin() Tables {
	v, err := NewVocabulary(BuiltinCategories())
	if err != nil {
		panic("vocab: builtin categories: " + err.Error())
	}
	c, err := NewControlTable(BuiltinControls())
	if err != nil {
		panic("vocab: builtin controls: " + err.Error())
	}
	return Tables{Vocabulary: v, Controls: c}
}
