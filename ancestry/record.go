package ancestry

import (
	"sort"

	"registrysweepers/pdsid"
)

// Record — родословная одного продукта: явные родительские коллекции и
// бандлы плюс ссылки на записи родительских коллекций, через которые
// разрешается транзитивная принадлежность бандлам.
type Record struct {
	LidVid pdsid.LidVid

	parentCollections map[string]struct{}
	parentBundles     map[string]struct{}
	// записи родительских коллекций; их бандлы наследуются при разрешении
	parentRecords map[string]*Record
}

// NewRecord ...
func NewRecord(lidvid pdsid.LidVid) *Record {
	return &Record{
		LidVid:            lidvid,
		parentCollections: map[string]struct{}{},
		parentBundles:     map[string]struct{}{},
		parentRecords:     map[string]*Record{},
	}
}

// AddParentCollection добавляет явную родительскую коллекцию.
func (r *Record) AddParentCollection(lidvid pdsid.LidVid) {
	r.parentCollections[lidvid.String()] = struct{}{}
}

// AddParentBundle добавляет явный родительский бандл.
func (r *Record) AddParentBundle(lidvid pdsid.LidVid) {
	r.parentBundles[lidvid.String()] = struct{}{}
}

// AddParentRecord связывает запись родительской коллекции для
// транзитивного разрешения бандлов.
func (r *Record) AddParentRecord(parent *Record) {
	r.parentRecords[parent.LidVid.String()] = parent
}

// HasParents сообщает, есть ли у записи хоть один родитель.
func (r *Record) HasParents() bool {
	return len(r.parentCollections) > 0 || len(r.parentBundles) > 0 || len(r.parentRecords) > 0
}

// ResolveParentCollectionLidvids возвращает отсортированные LIDVID
// родительских коллекций, явных и привязанных через записи.
func (r *Record) ResolveParentCollectionLidvids() []string {
	set := map[string]struct{}{}
	for lidvid := range r.parentCollections {
		set[lidvid] = struct{}{}
	}
	for lidvid := range r.parentRecords {
		set[lidvid] = struct{}{}
	}
	return sortedKeys(set)
}

// ResolveParentBundleLidvids возвращает отсортированные LIDVID
// родительских бандлов: явные плюс бандлы каждой родительской коллекции.
func (r *Record) ResolveParentBundleLidvids() []string {
	set := map[string]struct{}{}
	for lidvid := range r.parentBundles {
		set[lidvid] = struct{}{}
	}
	for _, parent := range r.parentRecords {
		for _, lidvid := range parent.ResolveParentBundleLidvids() {
			set[lidvid] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// AncestorRefs возвращает всех предков в обеих формах, LID и LIDVID,
// отсортированными и без дубликатов.
func (r *Record) AncestorRefs() []string {
	set := map[string]struct{}{}
	for _, lidvid := range r.ResolveParentCollectionLidvids() {
		addRefForms(set, lidvid)
	}
	for _, lidvid := range r.ResolveParentBundleLidvids() {
		addRefForms(set, lidvid)
	}
	return sortedKeys(set)
}

func addRefForms(set map[string]struct{}, lidvid string) {
	set[lidvid] = struct{}{}
	if parsed, err := pdsid.ParseLidVid(lidvid); err == nil {
		set[parsed.Lid.String()] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// SpillValue — сериализуемый снимок родословной продукта для spill-словаря.
type SpillValue struct {
	ParentCollections []string `json:"parent_collection_lidvids"`
	ParentBundles     []string `json:"parent_bundle_lidvids"`
}

// Snapshot разворачивает запись в сериализуемую форму с разрешёнными
// транзитивными бандлами.
func (r *Record) Snapshot() SpillValue {
	return SpillValue{
		ParentCollections: r.ResolveParentCollectionLidvids(),
		ParentBundles:     r.ResolveParentBundleLidvids(),
	}
}

// MergeSpillValues объединяет два снимка; коммутативна и ассоциативна.
func MergeSpillValues(a, b SpillValue) SpillValue {
	return SpillValue{
		ParentCollections: unionSorted(a.ParentCollections, b.ParentCollections),
		ParentBundles:     unionSorted(a.ParentBundles, b.ParentBundles),
	}
}

// AncestorRefs возвращает предков снимка в обеих формах.
func (v SpillValue) AncestorRefs() []string {
	set := map[string]struct{}{}
	for _, lidvid := range v.ParentCollections {
		addRefForms(set, lidvid)
	}
	for _, lidvid := range v.ParentBundles {
		addRefForms(set, lidvid)
	}
	return sortedKeys(set)
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, item := range a {
		set[item] = struct{}{}
	}
	for _, item := range b {
		set[item] = struct{}{}
	}
	return sortedKeys(set)
}
