package incident

// TagDiff is the outcome of diffing an incident's current tag relations
// against a submitted full tag set.
type TagDiff struct {
	// Remove holds the relations whose tag was omitted from the
	// submitted set.
	Remove []TagRelation
	// Add holds the submitted tags with no existing relation.
	Add []Tag
}

// DiffTags computes the relations to remove and tags to add so that the
// incident's tag set becomes exactly posted. The submitted set is the
// full desired state: omission implies removal, and duplicates in
// posted collapse. A non-superuser actor may only remove relations they
// added themselves; any violation fails the whole diff with a
// validation error naming every offending tag, so nothing is applied
// partially.
//
// Callers must run DiffTags and the application of its result inside
// one storage-level critical section, otherwise a concurrent addition
// can be silently dropped.
func DiffTags(existing []TagRelation, posted []Tag, actor User) (TagDiff, error) {
	postedSet := make(map[Tag]struct{}, len(posted))
	for _, t := range posted {
		postedSet[t] = struct{}{}
	}
	existingSet := make(map[Tag]struct{}, len(existing))

	var diff TagDiff
	for _, rel := range existing {
		existingSet[rel.Tag] = struct{}{}
		if _, keep := postedSet[rel.Tag]; !keep {
			diff.Remove = append(diff.Remove, rel)
		}
	}
	for _, t := range posted {
		if _, ok := existingSet[t]; !ok {
			diff.Add = append(diff.Add, t)
		}
	}
	// Set semantics: a tag posted twice must only be added once.
	diff.Add = dedupeTags(diff.Add)

	if !actor.Superuser {
		verr := &ValidationError{}
		for _, rel := range diff.Remove {
			if rel.AddedBy.ID != actor.ID {
				verr.Add(rel.Tag.String(), "cannot remove a tag you did not add")
			}
		}
		if !verr.Empty() {
			return TagDiff{}, verr
		}
	}
	return diff, nil
}

func dedupeTags(tags []Tag) []Tag {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[Tag]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
