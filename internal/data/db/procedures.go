package db

import (
	"fmt"

	"gorm.io/gorm"
)

// The three atomic operations of the state store live server-side so that
// task completion, stage-end observation and stage advancement execute in
// one transaction under one advisory lock family. The lock key is derived
// from the job id, so all concurrent workers touching the same job
// serialize here and nowhere else.
//
// Functions are created unqualified; the session search_path pins them to
// the app schema.

const sqlCompleteTaskAndCheckStage = `
CREATE OR REPLACE FUNCTION complete_task_and_check_stage(
	p_task_id text,
	p_job_id text,
	p_stage integer,
	p_result_data jsonb,
	p_error_details text
) RETURNS boolean
LANGUAGE plpgsql
AS $$
BEGIN
	PERFORM pg_advisory_xact_lock(hashtextextended(p_job_id, 0));

	UPDATE tasks
	   SET status        = CASE WHEN p_error_details IS NULL THEN 'completed' ELSE 'failed' END,
	       result_data   = COALESCE(p_result_data, result_data),
	       error_details = COALESCE(p_error_details, error_details),
	       updated_at    = now()
	 WHERE task_id = p_task_id
	   AND parent_job_id = p_job_id
	   AND stage = p_stage
	   AND status = 'processing';

	-- Already-terminal (replayed) or unknown tasks observe "not last":
	-- only the delivery that performed the transition may advance.
	IF NOT FOUND THEN
		RETURN false;
	END IF;

	RETURN NOT EXISTS (
		SELECT 1 FROM tasks
		 WHERE parent_job_id = p_job_id
		   AND stage = p_stage
		   AND status NOT IN ('completed', 'failed')
	);
END;
$$;
`

const sqlAdvanceJobStage = `
CREATE OR REPLACE FUNCTION advance_job_stage(
	p_job_id text,
	p_next_stage integer,
	p_stage_results jsonb
) RETURNS boolean
LANGUAGE plpgsql
AS $$
BEGIN
	PERFORM pg_advisory_xact_lock(hashtextextended(p_job_id, 0));

	UPDATE jobs
	   SET stage         = p_next_stage,
	       stage_results = stage_results || COALESCE(p_stage_results, '{}'::jsonb),
	       status        = CASE WHEN status = 'queued' THEN 'processing' ELSE status END,
	       updated_at    = now()
	 WHERE job_id = p_job_id
	   AND stage = p_next_stage - 1
	   AND p_next_stage <= total_stages
	   AND status NOT IN ('completed', 'failed');

	RETURN FOUND;
END;
$$;
`

const sqlCheckJobCompletion = `
CREATE OR REPLACE FUNCTION check_job_completion(
	p_job_id text
) RETURNS boolean
LANGUAGE plpgsql
AS $$
DECLARE
	v_done boolean;
BEGIN
	PERFORM pg_advisory_xact_lock(hashtextextended(p_job_id, 0));

	SELECT stage >= total_stages INTO v_done
	  FROM jobs
	 WHERE job_id = p_job_id;

	RETURN COALESCE(v_done, false);
END;
$$;
`

func InstallProcedures(gdb *gorm.DB) error {
	for _, stmt := range []string{
		sqlCompleteTaskAndCheckStage,
		sqlAdvanceJobStage,
		sqlCheckJobCompletion,
	} {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create function: %w", err)
		}
	}
	return nil
}
