package ancestry

// AncestorRefsField — каноническое поле множества предков.
const AncestorRefsField = "ops:Provenance/ops:ancestor_refs"

// dedupScript — серверный painless-скрипт: инициализирует поле предков,
// добавляет params.new_items без дубликатов и подавляет перезапись
// документа, если ничего не изменилось. Минифицирован, чтобы не раздувать
// bulk-запросы: скрипт повторяется в каждом действии.
const dedupScript = `boolean m=false;` +
	`if(ctx._source['` + AncestorRefsField + `']==null){ctx._source['` + AncestorRefsField + `']=[];m=true;}` +
	`for(i in params.new_items){if(!ctx._source['` + AncestorRefsField + `'].contains(i)){ctx._source['` + AncestorRefsField + `'].add(i);m=true;}}` +
	`if(!m){ctx.op='none';}`
