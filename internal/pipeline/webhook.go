package pipeline

// RepositoryFromPayload finds the repository a git push webhook is about. It understands the
// plain {"repo": ...} form as well as GitHub and GitLab push payloads.
func RepositoryFromPayload(body map[string]any) (string, bool) {
	if repo, ok := nonEmptyString(body["repo"]); ok {
		return repo, true
	}

	// GitHub
	if repository, ok := body["repository"].(map[string]any); ok {
		for _, key := range []string{"full_name", "clone_url"} {
			if repo, ok := nonEmptyString(repository[key]); ok {
				return repo, true
			}
		}
	}

	// GitLab
	if project, ok := body["project"].(map[string]any); ok {
		for _, key := range []string{"path_with_namespace", "web_url"} {
			if repo, ok := nonEmptyString(project[key]); ok {
				return repo, true
			}
		}
	}

	return "", false
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}
