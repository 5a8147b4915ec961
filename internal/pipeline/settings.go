package pipeline

// DefaultChapterPatterns match the common Chinese and English chapter
// heading styles. Each is compiled with multiline semantics.
var DefaultChapterPatterns = []string{
	`^\s*第\s*[0-9０-９一二三四五六七八九十百千万零两]+\s*[章回节卷][^\n]*`,
	`^\s*(?:Chapter|CHAPTER)\s+\d+[^\n]*`,
	`^\s*卷[0-9一二三四五六七八九十百千万零两]+[^\n]*`,
}

// Settings are the tunables of the five pipeline stages.
type Settings struct {
	ChapterPatterns  []string // chapter heading regexps, multiline
	MinChapterLength int      // chapters shorter than this are dropped

	SceneTargetLength int     // chars per scene the splitter aims for
	SceneMinLength    int     // scenes below half this get merged
	SceneMaxLength    int     // scenes above 1.5x this get split
	CoverageThreshold float64 // fraction of chapter text scenes must cover

	AnnotationBatchSize int // scenes per annotation batch
	ShortSceneThreshold int // per-scene chars below which a batch is combined
	Concurrency         int // worker pool size for stages 3 and 5

	ProfileTopN      int // profile at most this many characters
	ProfileMinScenes int // minimum appearances for a profile

	SplitModel    string // chat model for scene splitting
	AnnotateModel string // chat model for annotation and profiles

	CollectionName string // vector collection per novel shard
}

// withDefaults fills unset fields with working defaults.
func (s Settings) withDefaults() Settings {
	if len(s.ChapterPatterns) == 0 {
		s.ChapterPatterns = DefaultChapterPatterns
	}
	if s.MinChapterLength <= 0 {
		s.MinChapterLength = 500
	}
	if s.SceneTargetLength <= 0 {
		s.SceneTargetLength = 800
	}
	if s.SceneMinLength <= 0 {
		s.SceneMinLength = 200
	}
	if s.SceneMaxLength <= 0 {
		s.SceneMaxLength = 1500
	}
	if s.CoverageThreshold <= 0 {
		s.CoverageThreshold = 0.9
	}
	if s.AnnotationBatchSize <= 0 {
		s.AnnotationBatchSize = 5
	}
	if s.ShortSceneThreshold <= 0 {
		s.ShortSceneThreshold = 300
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.ProfileTopN <= 0 {
		s.ProfileTopN = 20
	}
	if s.ProfileMinScenes <= 0 {
		s.ProfileMinScenes = 3
	}
	if s.CollectionName == "" {
		s.CollectionName = "novel_scenes"
	}
	return s
}
